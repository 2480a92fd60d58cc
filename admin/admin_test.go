package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/gisgate-go/auth"
	"github.com/machinefabric/gisgate-go/config"
	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/server"
	"github.com/machinefabric/gisgate-go/tasks"
)

const testToken = "admin-view-test-token-0123456789abcdef"

type fakeSource struct {
	stats server.Stats
	tasks map[string]tasks.Snapshot
	auth  *auth.Authenticator
}

func (f fakeSource) Stats() server.Stats { return f.stats }

func (f fakeSource) Authenticator() *auth.Authenticator { return f.auth }

func newAuth(t *testing.T, opts ...auth.Option) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(append([]auth.Option{auth.WithToken(testToken)}, opts...)...)
	require.NoError(t, err)
	return a
}

func (f fakeSource) Task(id string) (tasks.Snapshot, error) {
	snap, ok := f.tasks[id]
	if !ok {
		return tasks.Snapshot{}, fault.NotFound("task")
	}
	return snap, nil
}

func get(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return getWithToken(t, h, method, path, testToken)
}

func getWithToken(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	h.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Code != http.StatusMethodNotAllowed {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestAdminRoutes(t *testing.T) {
	src := fakeSource{
		stats: server.Stats{Version: "2.0.0", UptimeSeconds: 12, Requests: 40},
		tasks: map[string]tasks.Snapshot{
			"t1": {ID: "t1", Method: "render_map", State: tasks.StateSucceeded, Result: map[string]any{"file": "x.svg"}, CreatedAt: time.Now()},
		},
		auth: newAuth(t),
	}
	h := NewHandler(src, nil)

	rec, body := get(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2.0.0", body["server_version"])

	rec, body = get(t, h, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 40, body["requests"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec, body = get(t, h, http.MethodGet, "/tasks/t1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", body["state"])
	assert.NotContains(t, body, "result")

	rec, _ = get(t, h, http.MethodGet, "/tasks/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, h, http.MethodPost, "/stats")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	src := fakeSource{
		stats: server.Stats{Version: "2.0.0"},
		tasks: map[string]tasks.Snapshot{"t1": {ID: "t1", State: tasks.StateRunning}},
		auth:  newAuth(t, auth.WithLockout(3, time.Minute, time.Minute, time.Hour)),
	}
	h := NewHandler(src, nil)

	rec, _ := getWithToken(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/stats", "/tasks/t1", "/tasks/missing"} {
		rec, _ = getWithToken(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"), path)
	}

	for i := 0; i < 3; i++ {
		rec, _ = getWithToken(t, h, http.MethodGet, "/stats", "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	// the lockout holds even for the right token
	rec, _ = get(t, h, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestListenAndServeRefusesNonLoopback(t *testing.T) {
	err := ListenAndServe(t.Context(), "0.0.0.0:0", fakeSource{}, nil)
	assert.ErrorIs(t, err, config.ErrNonLoopback)
}
