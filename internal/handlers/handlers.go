package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lyallcooper/sweeper/internal/config"
	"github.com/lyallcooper/sweeper/internal/db"
	"github.com/lyallcooper/sweeper/internal/engine"
	"github.com/lyallcooper/sweeper/internal/scheduler"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// Options configures a Handler.
type Options struct {
	Engine    *engine.Engine
	DB        *db.DB
	Scheduler *scheduler.Scheduler
	Config    *config.Config
	// StaticFS serves the web UI at /. Optional.
	StaticFS fs.FS
	Version  string
	// DisableCSRF turns off token checks. Use for desktop mode where the
	// server only accepts loopback connections.
	DisableCSRF bool
	Logger      *slog.Logger
}

// Handler holds all HTTP handlers
type Handler struct {
	engine      *engine.Engine
	db          *db.DB
	sched       *scheduler.Scheduler
	cfg         *config.Config
	staticFS    fs.FS
	version     string
	disableCSRF bool
	csrf        *csrfManager
	limiter     *rateLimiter
	logger      *slog.Logger

	// keepAlive is the SSE comment interval.
	keepAlive time.Duration
}

// New creates a new Handler
func New(opts Options) (*Handler, error) {
	if opts.Engine == nil {
		return nil, errors.New("handlers: engine is required")
	}
	if opts.DB == nil {
		return nil, errors.New("handlers: database is required")
	}
	if opts.Config == nil {
		return nil, errors.New("handlers: config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:      opts.Engine,
		db:          opts.DB,
		sched:       opts.Scheduler,
		cfg:         opts.Config,
		staticFS:    opts.StaticFS,
		version:     opts.Version,
		disableCSRF: opts.DisableCSRF,
		csrf:        newCSRFManager(),
		limiter:     newRateLimiter(100*time.Millisecond, 10),
		logger:      logger.With("component", "http"),
		keepAlive:   15 * time.Second,
	}, nil
}

// Routes builds the HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	if origins := h.cfg.Server.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type", csrfHeaderName},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.csrfProtect)

		r.Get("/csrf", h.CSRFToken)
		r.Get("/config", h.Config)
		r.Get("/state", h.State)
		r.With(h.limiter.middleware).Post("/scan", h.StartScan)
		r.Get("/scan/log", h.ScanLog)

		r.Get("/staging", h.Staging)
		r.Post("/staging", h.AddAction)
		r.Delete("/staging/{id}", h.RemoveAction)
		r.Delete("/staging/index/{index}", h.RemoveActionIndex)
		r.With(h.limiter.middleware).Post("/commit", h.Commit)

		r.Get("/schedules", h.Schedules)

		r.Route("/history", func(r chi.Router) {
			r.Get("/scans", h.ScanHistory)
			r.Get("/commits", h.CommitHistory)
			r.Get("/commits/{id}", h.CommitDetail)
			r.Get("/stats", h.Stats)
		})
	})

	r.Get("/sse/state", h.StateSSE)

	if h.staticFS != nil {
		r.Handle("/*", http.FileServer(http.FS(h.staticFS)))
	}
	return r
}

// requestLogger logs each request at debug level.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.engine.Done():
		writeError(w, http.StatusServiceUnavailable, engine.ErrStopped.Error())
		return
	default:
	}
	if err := h.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing JSON response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps err onto a status code and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrActionInFlight), errors.Is(err, engine.ErrCommitInFlight):
		return http.StatusConflict
	case errors.Is(err, engine.ErrIndexOutOfRange), errors.Is(err, engine.ErrActionNotFound), db.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidAction), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s: %q", name, v)
	}
	return n, nil
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return strconv.Itoa(m) + "m " + strconv.Itoa(s) + "s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return strconv.Itoa(h) + "h " + strconv.Itoa(m) + "m"
}
