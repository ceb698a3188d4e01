package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"imagepage/internal/http/handlers"
	"imagepage/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	perMinute := 30
	var origins []string
	if app.Config != nil {
		perMinute = app.Config.RateLimitPerMin
		origins = app.Config.CORSAllowedOrigins
	}

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(*app.Logger, app.Metrics),
		middleware.CORS(origins),
		middleware.I18N("zh"),
	)

	limit := middleware.RateLimit(perMinute)

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)
	if app.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", app.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/flavors", app.Flavors)

		r.Route("/uploads", func(r chi.Router) {
			r.With(limit).Post("/", app.CreateUpload)
			r.Get("/{name}", app.GetUpload)
		})

		r.With(limit).Post("/generations", app.CreateGeneration)

		r.Route("/tasks", func(r chi.Router) {
			r.With(limit).Post("/", app.CreateTask)
			r.Get("/{id}", app.GetTask)
			r.Delete("/{id}", app.CancelTask)
			r.Get("/{id}/events", app.TaskEvents)
		})

		r.Get("/download", app.Download)
		r.With(limit).Post("/download/zip", app.DownloadZip)
	})

	return r
}
