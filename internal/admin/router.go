package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimd "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Router mounts the admin API:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /routes
//	GET  /stations
//	GET  /stations/{id}
//	POST /idtags
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimd.RequestID)
	r.Use(chimd.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.withJSON(s.Healthz))
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/routes", s.withJSON(s.ListRoutes))
	r.Get("/stations", s.withJSON(s.ListStations))
	r.Get("/stations/{id}", s.withJSON(s.GetStation))
	r.Post("/idtags", s.withJSON(s.CreateIDTag))
	return r
}

func (s *Service) withJSON(handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handler(w, r); err != nil {
			code := statusOf(err)
			if code >= http.StatusInternalServerError {
				s.log.Error("admin request failed", zap.String("uri", r.URL.Path), zap.Error(err))
			}
			_ = s.respondJSON(w, code, err.Error(), nil)
		}
	}
}

func (s *Service) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimd.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug("admin request",
				zap.String("requestId", chimd.GetReqID(r.Context())),
				zap.String("httpMethod", r.Method),
				zap.String("uri", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("lat", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
