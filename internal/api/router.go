package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/commentflow/internal/metrics"
)

type RouterConfig struct {
	AppSecret string
	Limiter   Limiter // nil disables rate limiting
	RateLimit int
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Group(func(r chi.Router) {
		r.Use(SignatureMiddleware(cfg.AppSecret, logger))
		r.Get("/webhook", h.VerifyWebhook)
		r.Post("/webhook", h.ReceiveWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, logger, ClientKeyFunc))

		r.Get("/posts", h.ListPostConfigs)
		r.Get("/posts/{postID}/config", h.GetPostConfig)
		r.Put("/posts/{postID}/config", h.PutPostConfig)
		r.Delete("/posts/{postID}/config", h.DeletePostConfig)

		r.Get("/comments", h.ListComments)
		r.Get("/comments/{commentID}", h.GetComment)

		r.Post("/dispatch", h.Dispatch)
		r.Post("/breaker/reset", h.ResetBreaker)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
