package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/jaketajohnson/Attributor/internal/auth"
	"github.com/jaketajohnson/Attributor/internal/config"
	"github.com/jaketajohnson/Attributor/internal/handlers"
	"github.com/jaketajohnson/Attributor/internal/logger"
	mdlwr "github.com/jaketajohnson/Attributor/internal/middleware"
	"github.com/jaketajohnson/Attributor/internal/runner"
	"github.com/jaketajohnson/Attributor/internal/services"
)

func NewRouter(db *bun.DB, cfg *config.Config, run *runner.Runner, logr *logger.Logger) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// CORS middleware with config
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// init JWT manager
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, "attributor")
	if err != nil {
		logr.Fatal("failed to init jwt manager", zap.Error(err))
	}

	// auth service (service handles DB checks like token_version)
	authSvc := services.NewAuthService(db, jwtMgr, cfg, logr)
	runSvc := services.NewRunService(db)
	assetSvc := services.NewAssetService(db)

	authMW := mdlwr.NewAuthMiddleware(jwtMgr.PublicKey(), authSvc, logr.Logger)

	authHandler := handlers.NewAuthHandler(authSvc, logr, cfg)
	runHandler := handlers.NewRunHandler(runSvc, assetSvc, run, logr.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, err := w.Write([]byte("ok"))
		if err != nil {
			return
		}
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		r.Route("/auth", func(r chi.Router) {
			// Public routes
			r.Post("/login", authHandler.LoginLocal)
			r.Post("/ldap", authHandler.LoginLDAP)

			// Protected routes
			r.Group(func(r chi.Router) {
				r.Use(authMW.JWTAuth)
				r.Post("/refresh", authHandler.Refresh)
				r.Post("/logout", authHandler.Logout)
			})
		})

		// Run control and backlog, JWT protected
		r.Group(func(r chi.Router) {
			r.Use(authMW.JWTAuth)

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", runHandler.Trigger)
				r.Get("/", runHandler.List)
				r.Get("/latest", runHandler.Latest)
			})

			r.Get("/assets/backlog", runHandler.Backlog)
		})

	})

	return r
}
