package hostloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/fault"
)

func TestCallsNeverOverlap(t *testing.T) {
	l := New()
	defer l.Close()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Do(context.Background(), "ping", func(context.Context) (any, error) {
				n := active.Add(1)
				if n > maxActive.Load() {
					maxActive.Store(n)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, int64(20), l.Stats().Calls)
}

func TestInvokeWrapsHostErrors(t *testing.T) {
	l := New()
	defer l.Close()

	host := HostFunc(func(_ context.Context, method string, params map[string]any) (any, error) {
		switch method {
		case "get_layer_info":
			return map[string]any{"id": params["layer_id"]}, nil
		case "missing":
			return nil, fault.NotFound("layer")
		}
		return nil, errors.New("QgsProject: layer is read-only")
	})

	v, err := l.Invoke(context.Background(), host, "get_layer_info", map[string]any{"layer_id": "roads"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "roads"}, v)

	_, err = l.Invoke(context.Background(), host, "save_project", nil)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindHost, fe.Kind)
	assert.Equal(t, "QgsProject: layer is read-only", fe.Message)

	_, err = l.Invoke(context.Background(), host, "missing", nil)
	assert.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestPanicIsRecovered(t *testing.T) {
	l := New()
	defer l.Close()

	bound := Bind(l, HostFunc(func(context.Context, string, map[string]any) (any, error) {
		panic("segfault in host")
	}))
	_, err := bound.Invoke(context.Background(), "render_map", nil)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.KindHost, fe.Kind)
	assert.NotContains(t, fe.Message, "segfault")

	// loop keeps serving after a panic
	v, err := l.Do(context.Background(), "ping", func(context.Context) (any, error) { return "pong", nil })
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
	assert.Equal(t, int64(1), l.Stats().Panics)
}

func TestExpiredContextSkipsCall(t *testing.T) {
	l := New()
	defer l.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go l.Do(context.Background(), "block", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	_, err := l.Do(ctx, "late", func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	_, err = l.Do(context.Background(), "after", func(context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestBusyAndClosed(t *testing.T) {
	l := New(WithMaxPending(1))

	release := make(chan struct{})
	started := make(chan struct{})
	go l.Do(context.Background(), "block", func(context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	go l.Do(context.Background(), "queued", func(context.Context) (any, error) { return nil, nil })
	require.Eventually(t, func() bool { return l.Stats().Pending == 1 }, time.Second, time.Millisecond)

	_, err := l.Do(context.Background(), "overflow", func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	l.Close()
	_, err = l.Do(context.Background(), "late", func(context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}
