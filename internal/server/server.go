package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/handlers"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/middleware"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/websocket"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
)

type Server struct {
	VerificationSvc verificationservice.IVerificationService
	Cfg             *config.Config
	Logger          zerolog.Logger
	Router          *gin.Engine
	httpServer      *http.Server
	WsHub           *websocket.WsHub
	Version         string
	readyChecks     []handlers.ReadinessCheck
}

func New(cfg *config.Config, verificationService verificationservice.IVerificationService, logger zerolog.Logger, wsHub *websocket.WsHub) *Server {
	if cfg.Server.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	return &Server{
		Cfg:             cfg,
		VerificationSvc: verificationService,
		Logger:          logger,
		Router:          router,
		WsHub:           wsHub,
	}
}

// AddReadinessCheck registers a dependency that must answer before /ready
// reports the engine as ready. Call it before Run.
func (s *Server) AddReadinessCheck(name string, check func(ctx context.Context) error) {
	s.readyChecks = append(s.readyChecks, handlers.ReadinessCheck{Name: name, Check: check})
}

func (s *Server) SetupRouter() {
	mw := middleware.NewMiddleware(s.Cfg.Security.APIKey, s.Logger)
	mw.SetupMiddleware(s.Router)

	handler := handlers.New(
		s.VerificationSvc,
		s.Logger,
		s.Cfg,
		s.WsHub,
	)
	handler.Version = s.Version
	handler.ReadyChecks = s.readyChecks
	handler.SetupHandlers(s.Router, mw.APIKeyMiddleware())
}

// Run serves HTTP until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	s.SetupRouter()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.Cfg.Server.Host, s.Cfg.Server.Port),
		Handler:      s.Router,
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	errCh := make(chan error, 1)
	s.Logger.Info().Msgf("Starting server on %s", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Logger.Error().Err(err).Msg("Failed to start server")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.Logger.Info().Msg("Shutdown signal received, shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.Logger.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	s.Logger.Info().Msg("Server exited gracefully")
	return nil
}
