package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"accounts/internal/blob"
	"accounts/internal/config"
	"accounts/internal/session"
)

type Server struct {
	router *chi.Mux
}

// NewServer wires the HTTP surface. localBlobs is nil when assets live on a
// remote media host, in which case /media is not mounted.
func NewServer(
	cfg *config.Config,
	database Pinger,
	sessions *session.Manager,
	verifier AccessVerifier,
	localBlobs *blob.LocalStore,
	metrics *Metrics,
) *Server {
	cookies := cookieWriter{
		cfg:        cfg.Cookies,
		accessTTL:  cfg.Auth.AccessTokenTTL,
		refreshTTL: cfg.Auth.RefreshTokenTTL,
	}

	userHandler := NewUserHandler(sessions, cookies, metrics, cfg.Storage.UploadMaxBytes)
	healthHandler := NewHealthHandler(database)
	authMiddleware := NewAuthMiddleware(verifier)

	r := chi.NewRouter()
	r.Use(slogRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(securityHeadersMiddleware)
	if metrics != nil {
		r.Use(metrics.instrument)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/health", healthHandler.Check)

	if localBlobs != nil {
		mediaHandler := NewMediaHandler(localBlobs)
		r.Get("/media/*", mediaHandler.GetBlob)
	}

	r.Route("/api/v1/users", func(r chi.Router) {
		r.Post("/register", userHandler.Register)

		r.Group(func(r chi.Router) {
			r.Use(maxBodySizeMiddleware(1 << 20)) // 1 MB
			r.Post("/login", userHandler.Login)
			r.Post("/refresh-token", userHandler.Refresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAuth)
			r.With(maxBodySizeMiddleware(1<<20)).Post("/logout", userHandler.Logout)
			r.With(maxBodySizeMiddleware(1<<20)).Post("/change-password", userHandler.ChangePassword)
			r.Get("/current-user", userHandler.CurrentUser)
			r.With(maxBodySizeMiddleware(1<<20)).Patch("/update-account", userHandler.UpdateAccount)
			r.Patch("/avatar", userHandler.UpdateAvatar)
			r.Patch("/cover-image", userHandler.UpdateCover)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return &Server{router: r}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func maxBodySizeMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr,
		)
	})
}
