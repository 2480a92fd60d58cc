package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/machinefabric/gisgate-go/auth"
	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/wire"
)

// conn is one client connection: a reader goroutine running the pipeline and
// a writer goroutine draining responses, which may complete out of order.
type conn struct {
	srv      *Server
	nc       net.Conn
	clientID string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out        chan *wire.Response
	writerDone chan struct{}
	inflight   sync.WaitGroup

	mu      sync.Mutex
	session *auth.Session
}

func (s *Server) serveConn(nc net.Conn) {
	id := clientID(nc.RemoteAddr())
	ctx, cancel := context.WithCancel(s.baseCtx)
	c := &conn{
		srv:        s,
		nc:         nc,
		clientID:   id,
		logger:     s.logger.With("client", id),
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan *wire.Response, 64),
		writerDone: make(chan struct{}),
	}
	if !s.track(c, true) {
		cancel()
		nc.Close()
		return
	}
	defer s.track(c, false)

	c.logger.Debug("connection opened")
	go c.writerLoop(wire.NewFrameWriter(nc))
	c.readLoop()

	c.inflight.Wait()
	close(c.out)
	<-c.writerDone
	cancel()
	nc.Close()

	if sess := c.currentSession(); sess != nil {
		s.auth.Revoke(sess.ID)
	}
	c.logger.Debug("connection closed")
}

func (c *conn) readLoop() {
	reader := wire.NewFrameReader(c.nc)
	reader.SetMaxFrame(c.srv.maxFrame)
	for {
		if c.srv.idleTimeout > 0 {
			c.nc.SetReadDeadline(time.Now().Add(c.srv.idleTimeout))
		}
		payload, err := reader.ReadFrame()
		if err != nil {
			if !c.readFailed(err) {
				return
			}
			continue
		}
		if !c.handleFrame(payload) {
			return
		}
	}
}

// readFailed reports whether the stream is still usable after err.
func (c *conn) readFailed(err error) bool {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Debug("client disconnected")
	case errors.As(err, &ne) && ne.Timeout():
		c.logger.Info("idle connection closed", "idle_timeout", c.srv.idleTimeout)
	case fault.IsKind(err, fault.KindSchemaViolation):
		// Empty frame: the stream is still aligned.
		c.fail(0, err)
		return true
	case fault.IsKind(err, fault.KindFrameTooLarge), fault.IsKind(err, fault.KindTruncatedFrame):
		c.logger.Warn("connection fault", "error", err)
		c.fail(0, err)
	case errors.Is(err, net.ErrClosed):
	default:
		c.logger.Error("connection read failed", "error", err)
	}
	return false
}

// writerLoop encodes and writes responses until out is closed. After a write
// failure it keeps draining so senders never block.
func (c *conn) writerLoop(w *wire.FrameWriter) {
	defer close(c.writerDone)
	broken := false
	for resp := range c.out {
		if broken {
			continue
		}
		payload, err := c.srv.codec.Marshal(resp)
		if err != nil {
			c.logger.Error("encode response failed", "id", resp.ID, "error", err)
			payload, err = c.srv.codec.Marshal(wire.Failure(resp.ID, fault.Internal(err)))
			if err != nil {
				continue
			}
		}
		if len(payload) > c.srv.maxFrame {
			payload, _ = c.srv.codec.Marshal(wire.Failure(resp.ID, fault.FrameTooLarge(uint64(len(payload)), uint64(c.srv.maxFrame))))
		}
		if c.srv.idleTimeout > 0 {
			c.nc.SetWriteDeadline(time.Now().Add(c.srv.idleTimeout))
		}
		if err := w.WriteFrame(payload); err != nil {
			c.logger.Error("write response failed", "error", err)
			broken = true
			c.nc.Close()
		}
	}
}

func (c *conn) send(resp *wire.Response) {
	c.out <- resp
}

func (c *conn) fail(id any, err error) {
	fe := fault.From(err)
	if fe.Kind == fault.KindInternal {
		c.logger.Error("request failed", "id", id, "error", err)
	}
	c.srv.countError(fe.Code())
	c.send(wire.Failure(id, fe))
}

func (c *conn) currentSession() *auth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *conn) setSession(s *auth.Session) {
	c.mu.Lock()
	old := c.session
	c.session = s
	c.mu.Unlock()
	if old != nil && (s == nil || old.ID != s.ID) {
		c.srv.auth.Revoke(old.ID)
	}
}
