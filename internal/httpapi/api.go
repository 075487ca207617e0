package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"todoapi.org/internal/audit"
	"todoapi.org/internal/auth"
	"todoapi.org/internal/obs"
	"todoapi.org/internal/task"
)

const (
	serviceName         = "todo-api"
	defaultMaxBodyBytes = 1 << 20
)

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// TokenVerifier turns a bearer token into the caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, client audit.Client) (string, error)
}

// Options tunes the outer middleware.
type Options struct {
	Version        string
	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  float64
	MaxBodyBytes   int64
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	ready    readinessChecker
	verifier TokenVerifier
	guard    *auth.Guard
	tasks    task.Store
	opts     Options
	now      func() time.Time
}

func New(ready readinessChecker, verifier TokenVerifier, guard *auth.Guard, tasks task.Store, opts Options) *API {
	if ready == nil {
		ready = ReadyProbe{}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 20
	}
	a := &API{
		mux:      http.NewServeMux(),
		ready:    ready,
		verifier: verifier,
		guard:    guard,
		tasks:    tasks,
		opts:     opts,
		now:      time.Now,
	}

	a.mux.HandleFunc("GET /{$}", a.Root)
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("GET /api/{user_id}/tasks", a.withAuth(a.listTasks))
	a.mux.Handle("POST /api/{user_id}/tasks", a.withAuth(a.createTask))
	a.mux.Handle("GET /api/{user_id}/tasks/{task_id}", a.withAuth(a.getTask))
	a.mux.Handle("PUT /api/{user_id}/tasks/{task_id}", a.withAuth(a.updateTask))
	a.mux.Handle("DELETE /api/{user_id}/tasks/{task_id}", a.withAuth(a.deleteTask))
	a.mux.Handle("PATCH /api/{user_id}/tasks/{task_id}/complete", a.withAuth(a.toggleTask))

	return a
}

// Handler returns the mux wrapped in the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	h = CORS(h, a.opts.AllowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError uses the detail key the web client reads.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"detail": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleError maps domain errors to responses. Credential failures all look
// the same to the client; the specific reason is only in the security log.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrCredentialsInvalid):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "Could not validate credentials")
	case errors.Is(err, auth.ErrAccessForbidden):
		writeError(w, r, http.StatusForbidden, "You do not have permission to access this resource")
	case errors.Is(err, task.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "Task not found")
	case errors.Is(err, task.ErrInvalidTitle), errors.Is(err, task.ErrInvalidOwner):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "request cancelled")
	default:
		obs.Error("request_failed", err, map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       obs.CanonicalPath(r.URL.Path),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodList(methods ...string) string {
	return strings.Join(methods, ",")
}
