package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(handler *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", handler.SchedulerStatus)
			r.Post("/trigger/{name}", handler.TriggerSource)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", handler.ListSources)
			r.Post("/", handler.CreateSource)
			r.Get("/{name}", handler.GetSource)
			r.Put("/{name}", handler.UpdateSource)
			r.Delete("/{name}", handler.DeleteSource)
			r.Get("/{name}/runs", handler.ListRuns)
		})
	})

	return r
}
