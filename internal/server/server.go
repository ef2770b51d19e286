package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bloom_wallet/internal/api"
	"bloom_wallet/internal/auth"
	"bloom_wallet/internal/config"
	"bloom_wallet/internal/payment"
	"bloom_wallet/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const healthTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	DB           Pinger
	Wallets      *wallet.Handler
	Payments     *payment.Handler
	TopUpLimiter *RateLimiter
}

type Server struct {
	handler http.Handler
	http    *http.Server
	cfg     config.HTTP
	logger  *slog.Logger
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(RequestID(), Recovery(logger), RequestLogging(logger), Metrics())

	router.GET("/health", health(deps.DB))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	authed := v1.Group("", auth.AuthMiddleware(cfg.Auth.JWTSecret))
	admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))

	var topUp []gin.HandlerFunc
	if deps.TopUpLimiter != nil {
		topUp = append(topUp, deps.TopUpLimiter.Middleware())
	}
	deps.Wallets.RegisterRoutes(authed, admin)
	deps.Payments.RegisterRoutes(authed, v1, topUp...)

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	}).Handler(router)

	return &Server{
		handler: handler,
		cfg:     cfg.HTTP,
		logger:  logger,
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled and then drains in-flight requests for
// at most the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func health(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		if db == nil || db.PingContext(ctx) != nil {
			c.JSON(http.StatusServiceUnavailable, api.HealthResponse{Status: "degraded", Database: "down"})
			return
		}
		c.JSON(http.StatusOK, api.HealthResponse{Status: "ok", Database: "up"})
	}
}
