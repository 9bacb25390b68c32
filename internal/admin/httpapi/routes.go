package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"matchsync/internal/attempt"
	"matchsync/internal/match"
	"matchsync/internal/resultsync"
	"matchsync/internal/storage"
	"matchsync/internal/task/engine"
	"matchsync/internal/task/trigger"
	logx "matchsync/pkg/logx"
)

// SyncService is the part of resultsync.Service the API exposes.
type SyncService interface {
	Status(ctx context.Context, id match.EventID) (resultsync.Status, error)
	Relaunch(ctx context.Context, id match.EventID, matchID match.MatchID) (bool, error)
	Jobs() []trigger.Job
	Attempts() []attempt.Entry
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type HistoryReader interface {
	List(ctx context.Context, id match.EventID) ([]time.Time, error)
}

type EngineStats interface {
	Snapshot() engine.Snapshot
}

// Deps are the handlers' collaborators. Sync is required.
type Deps struct {
	Sync    SyncService
	Audit   Auditor
	History HistoryReader
	Engine  EngineStats
	Metrics http.Handler
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the admin routes. The token, when set, guards everything
// but /healthz.
func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Route("/v1", func(r chi.Router) {
			r.Get("/jobs", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, deps.Sync.Jobs())
			})
			r.Get("/attempts", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, deps.Sync.Attempts())
			})
			if deps.Engine != nil {
				r.Get("/engine", func(w http.ResponseWriter, _ *http.Request) {
					writeJSON(w, http.StatusOK, deps.Engine.Snapshot())
				})
			}
			r.Route("/events/{id}", func(r chi.Router) {
				r.Get("/schedule", getSchedule(deps))
				r.Post("/relaunch", postRelaunch(deps, log))
				r.Get("/triggers", getTriggers(deps))
			})
		})

		if deps.Metrics != nil {
			r.Method(http.MethodGet, normalizePath(cfg.MetricsPath, "/metrics"), deps.Metrics)
		}
		if cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func getSchedule(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}
		st, err := deps.Sync.Status(r.Context(), id)
		if err != nil {
			writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func postRelaunch(deps Deps, log logx.Logger) http.HandlerFunc {
	type response struct {
		EventID match.EventID `json:"event_id"`
		MatchID match.MatchID `json:"match_id"`
		Existed bool          `json:"existed"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}
		mid, err := strconv.ParseInt(r.URL.Query().Get("match"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "match query parameter must be an integer"})
			return
		}
		existed, err := deps.Sync.Relaunch(r.Context(), id, match.MatchID(mid))
		if deps.Audit != nil {
			e := storage.AuditEntry{Actor: "http", Action: "relaunch", EventID: id, MatchID: match.MatchID(mid), OK: err == nil && existed}
			if err != nil {
				e.Error = err.Error()
			}
			if aerr := deps.Audit.AppendAudit(r.Context(), e); aerr != nil {
				log.Warn("audit write failed", logx.Err(aerr))
			}
		}
		if err != nil {
			writeSyncError(w, err)
			return
		}
		status := http.StatusAccepted
		if !existed {
			status = http.StatusNotFound
		}
		writeJSON(w, status, response{EventID: id, MatchID: match.MatchID(mid), Existed: existed})
	}
}

func getTriggers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := eventID(w, r)
		if !ok {
			return
		}
		if deps.History == nil {
			writeJSON(w, http.StatusOK, []time.Time{})
			return
		}
		h, err := deps.History.List(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		if h == nil {
			h = []time.Time{}
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func eventID(w http.ResponseWriter, r *http.Request) (match.EventID, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || v <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event id must be a positive integer"})
		return 0, false
	}
	return match.EventID(v), true
}

func writeSyncError(w http.ResponseWriter, err error) {
	if errors.Is(err, resultsync.ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if tokenMatches(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && tokenMatches(strings.TrimSpace(strings.TrimPrefix(ah, p)), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}
