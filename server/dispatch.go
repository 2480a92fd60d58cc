package server

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/machinefabric/gisgate-go/cache"
	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/tasks"
	"github.com/machinefabric/gisgate-go/wire"
)

// handleFrame runs one frame through the pipeline. It returns false when the
// connection must be closed.
func (c *conn) handleFrame(payload []byte) bool {
	s := c.srv
	s.requests.Add(1)

	doc, err := wire.DecodeEnvelope(s.codec, payload)
	if err != nil {
		c.logger.Warn("undecodable payload", "error", err)
		c.fail(0, err)
		return false
	}
	id := requestID(doc)

	msg, err := s.validator.Message(doc)
	if err != nil {
		c.logger.Warn("schema violation", "id", id, "error", err)
		c.fail(id, err)
		return true
	}

	m, known := s.methods[msg.Method]
	if msg.Method != "authenticate" {
		if err := c.ensureSession(msg); err != nil {
			c.fail(id, err)
			return true
		}
	}
	if !known {
		c.fail(id, fault.MethodNotFound(msg.Method))
		return true
	}

	if d := s.limiter.Admit(c.clientID, m.tier); !d.Allowed {
		c.fail(id, fault.RateLimited(d.RetryAfter))
		return true
	}

	params := wire.Params(msg.Params)
	if m.name == "authenticate" && msg.AuthToken != "" {
		if _, ok := params["token"]; !ok {
			params = maps.Clone(params)
			params["token"] = msg.AuthToken
		}
	}
	if len(m.paths) > 0 {
		var err error
		if params, err = s.validatePaths(m, params); err != nil {
			c.fail(id, err)
			return true
		}
	}

	r := &request{id: id, method: m, params: params}
	if m.inline {
		c.respond(r, time.Now())(m.run(c.ctx, c, r))
		return true
	}
	c.inflight.Add(1)
	go func(start time.Time) {
		defer c.inflight.Done()
		c.respond(r, start)(m.run(c.ctx, c, r))
	}(time.Now())
	return true
}

// validatePaths returns a copy of params with every declared path param
// replaced by its canonical form.
func (s *Server) validatePaths(m *method, params wire.Params) (wire.Params, error) {
	params = maps.Clone(params)
	if params == nil {
		params = wire.Params{}
	}
	for _, pp := range m.paths {
		raw, _ := params.String(pp.key)
		canon, err := s.paths.ValidateFor(raw, pp.op)
		if err != nil {
			if fe, ok := fault.As(err); ok {
				fe.Field = "params." + pp.key
			}
			return nil, err
		}
		params[pp.key] = canon
	}
	return params, nil
}

func (c *conn) respond(r *request, start time.Time) func(any, error) {
	return func(result any, err error) {
		took := time.Since(start)
		if err != nil {
			c.logger.Debug("request failed", "id", r.id, "method", r.method.name, "took", took, "error", err)
			c.fail(r.id, err)
			return
		}
		c.logger.Debug("request handled", "id", r.id, "method", r.method.name, "took", took)
		c.send(wire.Result(r.id, result))
	}
}

// ensureSession requires a live session. A request carrying auth_token on an
// unauthenticated connection authenticates inline, subject to the auth tier.
func (c *conn) ensureSession(msg wire.Message) error {
	s := c.srv
	err := s.auth.Validate(c.currentSession())
	if err == nil {
		return nil
	}
	if msg.AuthToken == "" {
		return err
	}
	if d := s.limiter.Admit(c.clientID, ratelimit.TierAuth); !d.Allowed {
		return fault.RateLimited(d.RetryAfter)
	}
	sess, err := s.auth.Authenticate(c.ctx, c.clientID, msg.AuthToken)
	if err != nil {
		return err
	}
	c.setSession(sess)
	return nil
}

// requestID returns the request id when it has a usable type, else 0.
func requestID(doc map[string]any) any {
	switch v := doc["id"].(type) {
	case string:
		if v != "" && len(v) <= 100 {
			return v
		}
	case nil:
	default:
		if f, ok := wire.ToFloat(v); ok && f >= 0 {
			return v
		}
	}
	return 0
}

func (s *Server) authenticate(ctx context.Context, c *conn, r *request) (any, error) {
	token, _ := r.params.String("token")
	if token == "" {
		return nil, fault.SchemaViolation("params.token", "token is required")
	}
	sess, err := s.auth.Authenticate(ctx, c.clientID, token)
	if err != nil {
		return nil, err
	}
	c.setSession(sess)
	c.logger.Info("client authenticated")
	return map[string]any{"authenticated": true, "server_version": Version}, nil
}

// rotateToken issues a new token and re-authenticates the calling
// connection with it; every other session is invalidated.
func (s *Server) rotateToken(ctx context.Context, c *conn, _ *request) (any, error) {
	token, err := s.auth.Rotate()
	if err != nil {
		return nil, fault.Internal(err)
	}
	sess, err := s.auth.Authenticate(ctx, c.clientID, token)
	if err != nil {
		return nil, err
	}
	c.setSession(sess)
	return map[string]any{"token": token}, nil
}

func (s *Server) ping(context.Context, *conn, *request) (any, error) {
	return map[string]any{
		"pong":           true,
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"server_version": Version,
	}, nil
}

func (s *Server) getStats(context.Context, *conn, *request) (any, error) {
	return s.Stats().Map(), nil
}

func (s *Server) taskStatus(_ context.Context, _ *conn, r *request) (any, error) {
	id, _ := r.params.String("task_id")
	snap, err := s.tasks.Poll(id)
	if err != nil {
		return nil, err
	}
	return exportSnapshot(snap), nil
}

func (s *Server) listTasks(context.Context, *conn, *request) (any, error) {
	list := s.tasks.List()
	out := make([]any, len(list))
	for i, snap := range list {
		m := snap.Map()
		delete(m, "result")
		out[i] = m
	}
	return map[string]any{"tasks": out, "total": len(out)}, nil
}

func (s *Server) taskCancel(_ context.Context, _ *conn, r *request) (any, error) {
	id, _ := r.params.String("task_id")
	snap, err := s.tasks.Cancel(id)
	switch {
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		return map[string]any{"task_id": id, "cancelled": false, "state": string(snap.State), "message": "task already finished"}, nil
	case err != nil:
		return nil, err
	}
	out := map[string]any{"task_id": id, "cancelled": true, "state": string(snap.State)}
	if snap.Warning != "" {
		out["cancelled"] = false
		out["warning"] = snap.Warning
	}
	return out, nil
}

func (s *Server) clearCache(context.Context, *conn, *request) (any, error) {
	before := s.cache.Stats()
	n := s.cache.Purge()
	s.layers.reset()
	return map[string]any{
		"cleared":      n,
		"stats_before": statsMap(before),
		"stats_after":  statsMap(s.cache.Stats()),
	}, nil
}

func (s *Server) invalidateLayerCache(_ context.Context, _ *conn, r *request) (any, error) {
	layerID, _ := r.params.String("layer_id")
	n := 0
	for _, fp := range s.layers.take(layerID) {
		if s.cache.Invalidate(fp) {
			n++
		}
	}
	return map[string]any{"layer_id": layerID, "cleared_entries": n}, nil
}

// hostCall forwards the request to the host loop and waits for it.
func (s *Server) hostCall(ctx context.Context, _ *conn, r *request) (any, error) {
	return s.host.Invoke(ctx, r.method.name, r.params)
}

// getFeatures is a host call whose encoded result is cached by fingerprint.
func (s *Server) getFeatures(ctx context.Context, _ *conn, r *request) (any, error) {
	fp, err := cache.Fingerprint(r.method.name, map[string]any(r.params))
	if err != nil {
		return nil, fault.SchemaViolation("params", "params cannot be fingerprinted")
	}
	payload, err := s.cache.GetOrCompute(ctx, fp, func(ctx context.Context) ([]byte, error) {
		res, err := s.host.Invoke(ctx, r.method.name, r.params)
		if err != nil {
			return nil, err
		}
		return s.codec.Marshal(res)
	})
	if err != nil {
		return nil, err
	}
	layerID, _ := r.params.String("layer_id")
	for _, stale := range s.layers.add(layerID, fp) {
		if stale != fp {
			s.cache.Invalidate(stale)
		}
	}

	var out any
	if err := s.codec.Unmarshal(payload, &out); err != nil {
		return nil, fault.Internal(err)
	}
	return out, nil
}

// hostTask runs the host call as an async task and returns its id.
func (s *Server) hostTask(_ context.Context, c *conn, r *request) (any, error) {
	name, params := r.method.name, r.params
	id, err := s.tasks.Submit(name, func(ctx context.Context, report tasks.Progress) (any, error) {
		if err := report(0.1, "waiting for host"); err != nil {
			return nil, err
		}
		// the filesystem may have changed while the task was queued
		checked, err := s.validatePaths(r.method, params)
		if err != nil {
			return nil, err
		}
		return s.host.Invoke(ctx, name, checked)
	})
	if err != nil {
		return nil, submitError(err)
	}
	c.logger.Info("task submitted", "task_id", id, "method", name)
	return submitted(id, name), nil
}

// executeCode checks the snippet up front so violations fail the request
// itself, then runs it as a cancellable task.
func (s *Server) executeCode(_ context.Context, c *conn, r *request) (any, error) {
	code, _ := r.params.String("code")
	if err := s.sandbox.Check(code); err != nil {
		c.logger.Warn("sandbox rejected code", "id", r.id, "error", err)
		return nil, err
	}
	id, err := s.tasks.Submit(r.method.name, func(ctx context.Context, report tasks.Progress) (any, error) {
		if err := report(0.1, "executing"); err != nil {
			return nil, err
		}
		out, err := s.sandbox.Run(ctx, code, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"result": export(out.Value),
			"output": out.Output,
			"steps":  out.Steps,
		}, nil
	}, tasks.WithTimeout(s.policy.MaxEvalTime()))
	if err != nil {
		return nil, submitError(err)
	}
	c.logger.Info("task submitted", "task_id", id, "method", r.method.name)
	return submitted(id, r.method.name), nil
}

func submitted(id, method string) map[string]any {
	return map[string]any{"task_id": id, "method": method, "state": string(tasks.StateQueued)}
}

func submitError(err error) error {
	if errors.Is(err, tasks.ErrBacklogFull) {
		return fault.New(fault.KindRateLimited, "task backlog is full, retry later").WithSubtype("backlog_full")
	}
	return fault.Internal(err)
}

func exportSnapshot(snap tasks.Snapshot) map[string]any {
	m := snap.Map()
	if v, ok := m["result"]; ok {
		m["result"] = export(v)
	}
	return m
}
