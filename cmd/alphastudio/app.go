package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LittleKai/alpha-studio-backend/internal/db"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/repository/postgres"
	"github.com/LittleKai/alpha-studio-backend/internal/service/identity"
	"github.com/LittleKai/alpha-studio-backend/internal/service/reconcile"
	"github.com/LittleKai/alpha-studio-backend/internal/service/topup"
)

type ServerApp struct {
	ListenAddr    string
	Handler       http.Handler
	SweepInterval time.Duration

	logger    logger.Logger
	pool      *pgxpool.Pool
	reconcile *reconcile.Service
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	// Initialize repositories
	storage := postgres.NewStorage(pool)

	// Initialize services
	identityService, err := identity.New(identity.Config{SecretKey: c.SecretKey}, storage)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("error while creating identity service. Err: %w", err)
	}

	topupService := topup.NewService(topup.Config{
		CodePrefix: c.CodePrefix,
		Bank: topup.BankInfo{
			BankName:      c.BankName,
			AccountNumber: c.BankAccountNumber,
			AccountName:   c.BankAccountHolder,
		},
	}, storage)

	reconcileService := reconcile.NewService(reconcile.Config{
		CodePrefix:    c.CodePrefix,
		WebhookSecret: c.WebhookSecret,
	}, storage, logger)

	mux := handlers.NewRouter(
		handlers.RouterConfig{
			RateLimitRPS:   c.RateLimitRPS,
			RateLimitBurst: c.RateLimitBurst,
		},
		identityService,
		topupService,
		reconcileService,
		logger,
	)

	return &ServerApp{
		ListenAddr:    c.ListenAddr,
		Handler:       mux,
		SweepInterval: c.SweepInterval,
		logger:        logger,
		pool:          pool,
		reconcile:     reconcileService,
	}, nil
}

// Run starts the http server and the timeout sweeper and closes both
// gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	var sweeperStopped <-chan struct{}
	if s.SweepInterval > 0 {
		sweeperStopped = s.reconcile.RunSweeper(srvCtx, s.SweepInterval)
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); err == context.DeadlineExceeded {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully
	s.logger.Info("Starting server", "addr", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed
	if sweeperStopped != nil {
		<-sweeperStopped
	}
	s.pool.Close()

	return err
}
