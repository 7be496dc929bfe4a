package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hlsconverter/orchestrator/internal/config"
	"github.com/hlsconverter/orchestrator/internal/job"
	"github.com/hlsconverter/orchestrator/internal/logging"
	"github.com/hlsconverter/orchestrator/internal/ws"
)

func NewRouter(cfg *config.Config, orch Orchestrator, jobs job.Store, events *ws.Server, log *zap.Logger) http.Handler {
	log = logging.OrNop(log).Named("http")
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	h := NewHandlers(cfg, orch, jobs, events, log)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Jobs API
	r.Route("/api/jobs", func(r chi.Router) {
		r.With(rateLimit(cfg.EnqueueRate, cfg.EnqueueBurst)).Post("/", h.SubmitJob)
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
	})
	r.Put("/api/keepalive", h.SetKeepAlive)

	// WebSocket
	if events != nil {
		r.Get("/ws/events", events.HandleEvents)
	}

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// rateLimit rejects requests beyond perSecond with 429. A zero rate disables
// the limit.
func rateLimit(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
