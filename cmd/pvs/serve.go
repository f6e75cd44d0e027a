package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/errclass"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/matcher"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/notify"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/poller"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/scheduler"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/application/verificationservice"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/domain/interfaces"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/infrastructure/database"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/infrastructure/messaging"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/infrastructure/rpc"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/repositories/sessionrepo"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server"
	"github.com/jackyvictory/stable-coin-demo-sub001/internal/server/websocket"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the payment monitors",
	Long: `Start the payment verification service.

Examples:
  pvs serve
  pvs serve --config ./config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewWithConfig(logger.Config{
		Level:      cfg.Logger.Level,
		TimeFormat: cfg.Logger.TimeFormat,
		Pretty:     cfg.Logger.Pretty,
		Version:    Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := tokenRegistry(cfg)

	chain, err := newChainClient(ctx, cfg, tokens, log)
	if err != nil {
		return err
	}

	classifier := errclass.New(cfg.Diagnostics.RecentErrors, log)

	var archive sessionrepo.Archive
	var dbPing func(ctx context.Context) error
	if cfg.Database.Enabled {
		db, err := database.New(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.ShutDown()

		pg := sessionrepo.NewPostgresArchive(db.Pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare session archive: %w", err)
		}
		archive = pg
		dbPing = db.Pool.Ping
	}

	store := sessionrepo.New(sessionrepo.Config{
		ReceiverAddress: cfg.Payment.ReceiverAddress,
		Timeout:         cfg.Payment.Timeout,
		Tokens:          tokens,
	}, archive, log)

	publisher := newPublisher(cfg, log)
	defer publisher.Close()

	wsHub := websocket.NewWsHub(log)
	go wsHub.Run(ctx)

	dispatcher := notify.New(publisher, log, wsHub)

	matcherConfig, err := matcherConfig(cfg)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if cfg.Poller.RPCPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Poller.RPCPerSecond), max(cfg.Poller.RPCBurst, 1))
	}

	monitor := poller.New(store, chain, matcher.New(matcherConfig), limiter, classifier, dispatcher, poller.Config{
		Interval:        cfg.Poller.Interval,
		MaxBlockSpan:    cfg.Poller.MaxBlockSpan,
		InitialLookback: cfg.Poller.InitialLookback,
		RetryBudget:     cfg.Poller.RetryBudget,
		MaxBackoff:      cfg.Poller.MaxBackoff,
		RateLimitPause:  cfg.Poller.RateLimitPause,
	}, log)

	verificationService := verificationservice.New(store, monitor, classifier, dispatcher, tokens, log)

	if restored, err := verificationService.RestoreSessions(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to restore archived sessions")
	} else if restored > 0 {
		log.Info().Int("count", restored).Msg("Resumed monitoring of archived sessions")
	}

	sched := scheduler.New(store, dispatcher, verificationService.Stats, scheduler.Config{
		SweepSchedule: cfg.Diagnostics.SweepSchedule,
		StatsSchedule: cfg.Diagnostics.StatsSchedule,
	}, log)
	if err := sched.Start(); err != nil {
		return err
	}

	srv := server.New(cfg, verificationService, log, wsHub)
	srv.Version = Version
	srv.AddReadinessCheck("chain", func(ctx context.Context) error {
		_, err := chain.CurrentBlockNumber(ctx)
		return err
	})
	if dbPing != nil {
		srv.AddReadinessCheck("database", dbPing)
	}
	serveErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
	}
	if err := verificationService.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Payment monitors did not stop in time")
	}

	return serveErr
}

func tokenRegistry(cfg *config.Config) domain.TokenRegistry {
	tokens := make([]domain.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens = append(tokens, domain.Token{
			Symbol:   t.Symbol,
			Name:     t.Name,
			Contract: t.Contract,
			Decimals: t.Decimals,
		})
	}
	return domain.NewTokenRegistry(tokens)
}

func matcherConfig(cfg *config.Config) (matcher.Config, error) {
	floor, err := decimal.NewFromString(cfg.Payment.ToleranceFloor)
	if err != nil {
		return matcher.Config{}, fmt.Errorf("invalid payment.tolerance_floor %q: %w", cfg.Payment.ToleranceFloor, err)
	}
	factor, err := decimal.NewFromString(cfg.Payment.ToleranceFactor)
	if err != nil {
		return matcher.Config{}, fmt.Errorf("invalid payment.tolerance_factor %q: %w", cfg.Payment.ToleranceFactor, err)
	}
	return matcher.Config{
		FixedFloor:            floor,
		RelativeFactor:        factor,
		RequiredConfirmations: cfg.Payment.RequiredConfirmations,
	}, nil
}

// newChainClient dials the JSON-RPC endpoint and, in push mode, layers the
// websocket subscription client on top of it.
func newChainClient(ctx context.Context, cfg *config.Config, tokens domain.TokenRegistry, log zerolog.Logger) (interfaces.ChainClient, error) {
	rpcClient, err := rpc.DialHTTP(ctx, cfg.Chain.RPCURL, cfg.Chain.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Chain.Name, err)
	}
	evm, err := rpc.NewEVMClient(rpcClient, tokens, cfg.Chain.Timeout, log)
	if err != nil {
		return nil, err
	}
	if cfg.Chain.Mode != "push" {
		return evm, nil
	}

	wsClient, err := rpc.DialStream(ctx, cfg.Chain.WebsocketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s websocket: %w", cfg.Chain.Name, err)
	}
	stream := rpc.NewStreamClient(wsClient, evm, cfg.Payment.ReceiverAddress, cfg.Chain.StreamRetention, log)
	go func() {
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Transfer stream stopped")
		}
	}()
	return stream, nil
}

func newPublisher(cfg *config.Config, log zerolog.Logger) interfaces.EventPublisher {
	if cfg.RabbitMQ.URL == "" {
		return messaging.NewNoopPublisher(log)
	}
	publisher, err := messaging.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
	if err != nil {
		log.Warn().Err(err).Msg("RabbitMQ unavailable, payment events will only be logged")
		return messaging.NewNoopPublisher(log)
	}
	return publisher
}
