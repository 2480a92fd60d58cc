// Package client speaks the gateway protocol: one connection, pipelined
// calls, responses routed back by request id.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/wire"
)

// ErrClosed is returned for calls on a closed client.
var ErrClosed = errors.New("client closed")

// Option configures a Client.
type Option func(*Client)

// WithCodec must match the server's codec. Defaults to CBOR.
func WithCodec(c wire.Codec) Option { return func(cl *Client) { cl.codec = c } }

// WithTLS dials over TLS.
func WithTLS(cfg *tls.Config) Option { return func(cl *Client) { cl.tlsConfig = cfg } }

// WithPacing makes Call wait for a local limiter before sending, so a
// well-behaved client never trips the server's quotas.
func WithPacing(l *ratelimit.Limiter) Option { return func(cl *Client) { cl.pacer = l } }

func WithLogger(logger *slog.Logger) Option { return func(cl *Client) { cl.logger = logger } }

// Client is safe for concurrent use.
type Client struct {
	nc        net.Conn
	addr      string
	codec     wire.Codec
	writer    *wire.FrameWriter
	tlsConfig *tls.Config
	pacer     *ratelimit.Limiter
	logger    *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *wire.Response
	err     error
	done    chan struct{}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:    addr,
		codec:   wire.CBOR(),
		logger:  slog.Default(),
		pending: make(map[string]chan *wire.Response),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if c.tlsConfig != nil {
		tc := tls.Client(nc, c.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		nc = tc
	}
	c.nc = nc
	c.writer = wire.NewFrameWriter(nc)
	go c.readLoop()
	return c, nil
}

// Authenticate performs the token handshake.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	_, err := c.Call(ctx, "authenticate", map[string]any{"token": token})
	return err
}

// Call sends a request and waits for its response. A server-side error is
// returned as *wire.ErrorBody.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx, c.addr, ratelimit.TierFor(method)); err != nil {
			return nil, err
		}
	}

	id := c.nextID.Add(1)
	key := wire.IDKey(id)
	ch := make(chan *wire.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[key] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	msg := wire.Message{Version: wire.ProtocolVersion, ID: id, Method: method, Params: params}
	payload, err := c.codec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := c.writer.WriteFrame(payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitTask polls task_status every interval until the task is terminal and
// returns its final status. A failed task returns the status together with
// its error.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (map[string]any, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := c.Call(ctx, "task_status", map[string]any{"task_id": taskID})
		if err != nil {
			return nil, err
		}
		status, _ := res.(map[string]any)
		switch status["state"] {
		case "succeeded", "cancelled":
			return status, nil
		case "failed":
			return status, taskError(status["error"])
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

func taskError(v any) error {
	m, _ := v.(map[string]any)
	body := &wire.ErrorBody{Code: "internal", Message: "task failed"}
	if code, ok := m["code"].(string); ok {
		body.Code = code
	}
	if msg, ok := m["message"].(string); ok {
		body.Message = msg
	}
	if sub, ok := m["subtype"].(string); ok {
		body.Subtype = sub
	}
	return body
}

// Close closes the connection and fails every pending call.
func (c *Client) Close() error {
	err := c.nc.Close()
	<-c.done
	return err
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	reader := wire.NewFrameReader(c.nc)
	var connErr error
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrClosed
			}
			if connErr == nil {
				connErr = err
			}
			break
		}
		var resp wire.Response
		if err := c.codec.Unmarshal(payload, &resp); err != nil {
			c.logger.Warn("undecodable response", "error", err)
			continue
		}
		key := wire.IDKey(resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		c.mu.Unlock()
		switch {
		case ok:
			select {
			case ch <- &resp:
			default:
			}
		case resp.Error != nil:
			// id 0: a connection-level fault, the server closes next
			connErr = resp.Error
		default:
			c.logger.Debug("response for unknown request", "id", resp.ID)
		}
	}

	c.mu.Lock()
	c.err = connErr
	c.mu.Unlock()
	close(c.done)
}
