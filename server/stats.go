package server

import (
	"sync"
	"time"

	"github.com/machinefabric/gisgate-go/cache"
	"github.com/machinefabric/gisgate-go/hostloop"
	"github.com/machinefabric/gisgate-go/tasks"
)

type ConnStats struct {
	Active   int64 `json:"active"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Max      int   `json:"max"`
}

// Stats is a point-in-time view of the server.
type Stats struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Version       string           `json:"server_version"`
	Connections   ConnStats        `json:"connections"`
	Requests      int64            `json:"requests"`
	Errors        map[string]int64 `json:"errors"`
	Sessions      int              `json:"sessions"`
	RateBuckets   int              `json:"rate_buckets"`
	Cache         cache.Stats      `json:"cache"`
	Tasks         tasks.Stats      `json:"tasks"`
	Host          hostloop.Stats   `json:"host"`
}

func (s *Server) Stats() Stats {
	s.errMu.Lock()
	errs := make(map[string]int64, len(s.errors))
	for k, v := range s.errors {
		errs[k] = v
	}
	s.errMu.Unlock()

	return Stats{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Version:       Version,
		Connections: ConnStats{
			Active:   s.active.Load(),
			Accepted: s.accepted.Load(),
			Rejected: s.rejected.Load(),
			Max:      s.maxConns,
		},
		Requests:    s.requests.Load(),
		Errors:      errs,
		Sessions:    s.auth.ActiveSessions(),
		RateBuckets: s.limiter.Buckets(),
		Cache:       s.cache.Stats(),
		Tasks:       s.tasks.Stats(),
		Host:        s.loop.Stats(),
	}
}

// Map renders the stats with plain maps so both codecs encode the same keys.
func (st Stats) Map() map[string]any {
	errs := make(map[string]any, len(st.Errors))
	for k, v := range st.Errors {
		errs[k] = v
	}
	byState := make(map[string]any, len(st.Tasks.ByState))
	for k, v := range st.Tasks.ByState {
		byState[string(k)] = v
	}
	return map[string]any{
		"uptime_seconds": st.UptimeSeconds,
		"server_version": st.Version,
		"connections": map[string]any{
			"active":   st.Connections.Active,
			"accepted": st.Connections.Accepted,
			"rejected": st.Connections.Rejected,
			"max":      st.Connections.Max,
		},
		"requests":     st.Requests,
		"errors":       errs,
		"sessions":     st.Sessions,
		"rate_buckets": st.RateBuckets,
		"cache":        statsMap(st.Cache),
		"tasks": map[string]any{
			"workers":  st.Tasks.Workers,
			"backlog":  st.Tasks.Backlog,
			"total":    st.Tasks.Total,
			"by_state": byState,
		},
		"host": map[string]any{
			"calls":   st.Host.Calls,
			"slow":    st.Host.Slow,
			"panics":  st.Host.Panics,
			"pending": st.Host.Pending,
		},
	}
}

func statsMap(c cache.Stats) map[string]any {
	return map[string]any{
		"entries":   c.Entries,
		"bytes":     c.Bytes,
		"budget":    c.Budget,
		"hits":      c.Hits,
		"misses":    c.Misses,
		"evictions": c.Evictions,
	}
}

const maxTrackedPerLayer = 4096

// layerIndex remembers which cache fingerprints were computed for a layer so
// invalidate_layer_cache can drop just those.
type layerIndex struct {
	mu  sync.Mutex
	fps map[string]map[string]struct{}
}

func newLayerIndex() *layerIndex {
	return &layerIndex{fps: make(map[string]map[string]struct{})}
}

// add records fp under layerID. When the layer's set is full it is replaced
// and the previous fingerprints are returned so the caller can drop them.
func (x *layerIndex) add(layerID, fp string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var dropped []string
	set := x.fps[layerID]
	if len(set) >= maxTrackedPerLayer {
		for old := range set {
			dropped = append(dropped, old)
		}
		set = nil
	}
	if set == nil {
		set = make(map[string]struct{})
		x.fps[layerID] = set
	}
	set[fp] = struct{}{}
	return dropped
}

func (x *layerIndex) take(layerID string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.fps[layerID]
	delete(x.fps, layerID)
	out := make([]string, 0, len(set))
	for fp := range set {
		out = append(out, fp)
	}
	return out
}

func (x *layerIndex) reset() {
	x.mu.Lock()
	x.fps = make(map[string]map[string]struct{})
	x.mu.Unlock()
}
