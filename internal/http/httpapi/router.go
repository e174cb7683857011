package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"genbridge/internal/http/handlers"
	"genbridge/internal/infra"
	"genbridge/internal/metrics"
	"genbridge/internal/middleware"
)

// Options configures the router beyond the handlers themselves.
type Options struct {
	Metrics         *metrics.Collector
	StaticDir       string
	CORSOrigins     []string
	RateLimitPerMin int
	Logger          *infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Get("/v1/healthz", app.Health)

	limit := middleware.RateLimit(opts.RateLimitPerMin, time.Minute)

	r.Route("/v1/components", func(r chi.Router) {
		r.Use(limit)
		r.Post("/", app.RegisterComponent)
		r.Delete("/{id}", app.UnregisterComponent)
		r.Get("/{id}/slots", app.ListSlots)
		r.Put("/{id}/slots/{index}/auto", app.SetSlotAuto)
		r.Post("/{id}/slots/{index}/sync", app.SyncSlot)
		r.Delete("/{id}/slots/{index}", app.ClearSlot)
	})

	r.With(limit).Post("/v1/document-state", app.DocumentState)
	r.With(limit).Get("/v1/thumbnails", app.Thumbnail)

	r.Route("/v1/tasks", func(r chi.Router) {
		// Event streams are long-lived and stay outside the rate limit.
		r.Get("/events", app.TaskEvents)

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Post("/", app.SubmitTask)
			r.Get("/", app.ListTasks)
			r.Get("/history", app.TaskHistory)
			r.Get("/{id}", app.GetTask)
			r.Post("/{id}/cancel", app.CancelTask)
			r.Delete("/{id}", app.DeleteTask)
		})
	})

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Handle("/static/*", fs)
	}

	return r
}
