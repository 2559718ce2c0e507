package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/blukai/explora/internal/gameserver"
	"github.com/blukai/explora/internal/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionSource is the read side of the game server.
type SessionSource interface {
	Lookup(ctx context.Context, id protocol.SessionID) (gameserver.SessionInfo, bool)
	Sessions(ctx context.Context) ([]gameserver.SessionInfo, error)
}

const queryTimeout = 2 * time.Second

type handler struct {
	src    SessionSource
	logger *log.Logger
}

// NewRouter serves read-only views of the session table and the metrics in
// gatherer.
func NewRouter(src SessionSource, gatherer prometheus.Gatherer, logger *log.Logger) http.Handler {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	h := &handler{src: src, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(queryTimeout))
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/sessions", h.listSessions)
	r.Get("/sessions/{id}", h.getSession)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("admin request")
	})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.src.Sessions(r.Context())
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("could not list sessions")
		http.Error(w, "could not list sessions", http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, sessions)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	info, ok := h.src.Lookup(r.Context(), protocol.SessionID(id))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, info)
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().
			Err(err).
			Msg("could not encode response")
	}
}
