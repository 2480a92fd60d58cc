package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/ratelimit"
	"github.com/machinefabric/gisgate-go/wire"
)

// fakeServer accepts one connection and hands each decoded request to reply.
func fakeServer(t *testing.T, handle func(nc net.Conn, reqs <-chan wire.Message)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		reqs := make(chan wire.Message)
		go func() {
			defer close(reqs)
			r := wire.NewFrameReader(nc)
			for {
				payload, err := r.ReadFrame()
				if err != nil {
					return
				}
				var msg wire.Message
				if err := wire.CBOR().Unmarshal(payload, &msg); err != nil {
					return
				}
				reqs <- msg
			}
		}()
		handle(nc, reqs)
	}()
	return ln.Addr().String()
}

func reply(t *testing.T, w *wire.FrameWriter, resp *wire.Response) {
	payload, err := wire.CBOR().Marshal(resp)
	if !assert.NoError(t, err) {
		return
	}
	assert.NoError(t, w.WriteFrame(payload))
}

func TestResponsesRoutedOutOfOrder(t *testing.T) {
	addr := fakeServer(t, func(nc net.Conn, reqs <-chan wire.Message) {
		w := wire.NewFrameWriter(nc)
		var held []wire.Message
		for msg := range reqs {
			held = append(held, msg)
			if len(held) == 3 {
				break
			}
		}
		for i := len(held) - 1; i >= 0; i-- {
			reply(t, w, wire.Result(held[i].ID, held[i].Method))
		}
		for range reqs {
		}
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for _, m := range []string{"one", "two", "three"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			res, err := c.Call(context.Background(), m, nil)
			assert.NoError(t, err)
			assert.Equal(t, m, res)
		}(m)
	}
	wg.Wait()
}

func TestConnectionFaultFailsPendingCalls(t *testing.T) {
	addr := fakeServer(t, func(nc net.Conn, reqs <-chan wire.Message) {
		<-reqs
		reply(t, wire.NewFrameWriter(nc), &wire.Response{ID: 0, Error: &wire.ErrorBody{Code: "frame_too_large", Message: "too big"}})
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), "ping", nil)
	var body *wire.ErrorBody
	require.ErrorAs(t, err, &body)
	assert.Equal(t, "frame_too_large", body.Code)

	_, err = c.Call(context.Background(), "ping", nil)
	assert.Error(t, err)
}

func TestCallAfterClose(t *testing.T) {
	addr := fakeServer(t, func(nc net.Conn, reqs <-chan wire.Message) {
		for range reqs {
		}
	})
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	c.Close()

	_, err = c.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPacingWaitsLocally(t *testing.T) {
	seen := make(chan string, 4)
	addr := fakeServer(t, func(nc net.Conn, reqs <-chan wire.Message) {
		w := wire.NewFrameWriter(nc)
		for msg := range reqs {
			seen <- msg.Method
			reply(t, w, wire.Result(msg.ID, true))
		}
	})
	pacer := ratelimit.New(ratelimit.WithQuota(ratelimit.TierCheap, ratelimit.Quota{Limit: 1, Window: time.Minute}))
	c, err := Dial(context.Background(), addr, WithPacing(pacer))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, "ping", nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, seen, 1)
}

func TestWaitTaskReturnsTaskError(t *testing.T) {
	addr := fakeServer(t, func(nc net.Conn, reqs <-chan wire.Message) {
		w := wire.NewFrameWriter(nc)
		n := 0
		for msg := range reqs {
			n++
			status := map[string]any{"task_id": "t1", "state": "running"}
			if n > 1 {
				status["state"] = "failed"
				status["error"] = map[string]any{"code": "sandbox_timeout", "message": "slow", "subtype": "step_limit"}
			}
			reply(t, w, wire.Result(msg.ID, status))
		}
	})
	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	status, err := c.WaitTask(context.Background(), "t1", time.Millisecond)
	var body *wire.ErrorBody
	require.ErrorAs(t, err, &body)
	assert.Equal(t, "sandbox_timeout", body.Code)
	assert.Equal(t, "step_limit", body.Subtype)
	assert.Equal(t, "failed", status["state"])
}
