package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

type RoutesConfig struct {
	BuildsDir    string
	UploadSecret string
}

func Routes(h *Handler, cfg RoutesConfig) http.Handler {
	r := chi.NewRouter()

	// базовые middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// наш логгер (после RequestID)
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Post("/games", h.CreateGame)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Get("/{id}", h.GetJob)
	})

	r.Route("/internal/builds", func(r chi.Router) {
		r.Use(RequireBuildSecret(cfg.UploadSecret))
		r.Post("/{id}", h.UploadBuild)
	})

	// published builds are plain static files
	r.Handle("/builds/*", http.StripPrefix("/builds/",
		http.FileServer(http.Dir(cfg.BuildsDir))))

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
