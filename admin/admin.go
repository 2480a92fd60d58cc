// Package admin serves a read-only HTTP status view of a running gateway.
// It never accepts commands; everything that changes state goes through the
// wire protocol. Apart from /healthz every route needs the gateway token as
// a bearer token, and failures count towards the same lockout.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/machinefabric/gisgate-go/auth"
	"github.com/machinefabric/gisgate-go/config"
	"github.com/machinefabric/gisgate-go/fault"
	"github.com/machinefabric/gisgate-go/server"
	"github.com/machinefabric/gisgate-go/tasks"
)

// Source is what the status view reads from. *server.Server satisfies it.
type Source interface {
	Stats() server.Stats
	Task(id string) (tasks.Snapshot, error)
	Authenticator() *auth.Authenticator
}

// NewHandler builds the admin router.
func NewHandler(src Source, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{src: src, logger: logger}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/stats", h.requireToken(http.HandlerFunc(h.stats))).Methods(http.MethodGet)
	r.Handle("/tasks/{id}", h.requireToken(http.HandlerFunc(h.task))).Methods(http.MethodGet)
	return r
}

func (h *handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		err := h.src.Authenticator().Verify(r.Context(), clientID(r), token)
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case isLocked(err):
			h.writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "locked out"})
		case fault.IsKind(err, fault.KindAuth):
			w.Header().Set("WWW-Authenticate", "Bearer")
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		default:
			h.logger.Error("admin token check", "error", err)
			h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		}
	})
}

func isLocked(err error) bool {
	fe, ok := fault.As(err)
	return ok && fe.Subtype == "locked_out"
}

// clientID matches the wire server's identity: the remote IP.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type handler struct {
	src    Source
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.src.Stats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"server_version": st.Version,
		"uptime_seconds": st.UptimeSeconds,
	})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.src.Stats())
}

func (h *handler) task(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := h.src.Task(id)
	switch {
	case fault.IsKind(err, fault.KindNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]any{"error": "task not found"})
		return
	case err != nil:
		h.logger.Error("admin task lookup", "task_id", id, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	// results can be large; the wire protocol is the way to fetch them
	snap.Result = nil
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("admin response write", "error", err)
	}
}

// ListenAndServe serves the admin view on a loopback address until ctx is
// done.
func ListenAndServe(ctx context.Context, addr string, src Source, logger *slog.Logger) error {
	if err := config.CheckLoopback(addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewHandler(src, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
