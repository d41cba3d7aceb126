package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanLedger/pkg/config"
	"github.com/mcclellann/loanLedger/pkg/events"
	"github.com/mcclellann/loanLedger/pkg/ledger"
	"github.com/mcclellann/loanLedger/pkg/lock"
	"github.com/mcclellann/loanLedger/pkg/logging"
	"github.com/mcclellann/loanLedger/pkg/metrics"
	"github.com/mcclellann/loanLedger/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 15 * time.Second

// Server holds the ledger instance and the HTTP-facing settings.
type Server struct {
	ledger         *ledger.Ledger
	storage        store.Storage // Kept for health checks
	logger         *slog.Logger
	validate       *validator.Validate
	jwtSecret      []byte
	requestTimeout time.Duration
	gatherer       prometheus.Gatherer
}

type ServerConfig struct {
	JWTSecret      string
	RequestTimeout time.Duration
	Gatherer       prometheus.Gatherer
}

func NewServer(l *ledger.Ledger, s store.Storage, logger *slog.Logger, cfg ServerConfig) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		ledger:         l,
		storage:        s,
		logger:         logger,
		validate:       newValidator(),
		jwtSecret:      []byte(cfg.JWTSecret),
		requestTimeout: cfg.RequestTimeout,
		gatherer:       gatherer,
	}
}

// Router wires every route. Health and metrics are unauthenticated.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(requestLogger(s.logger))
	if s.requestTimeout > 0 {
		router.Use(timeout(s.requestTimeout))
	}

	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(authenticate(s.jwtSecret))
	api.HandleFunc("/loans", s.createLoanHandler).Methods(http.MethodPost)
	api.HandleFunc("/loans/{loan_id}/payments", s.recordPaymentHandler).Methods(http.MethodPost)
	api.HandleFunc("/loans/{loan_id}/ledger", s.getLedgerHandler).Methods(http.MethodGet)
	api.HandleFunc("/loans/{loan_id}/emi", s.getDueInstallmentHandler).Methods(http.MethodGet)
	api.HandleFunc("/customers/overview", s.customerOverviewHandler).Methods(http.MethodGet)

	return router
}

func openStore(ctx context.Context, cfg *config.Config) (store.Storage, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		if cfg.RunMigrations {
			if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
				return nil, err
			}
			slog.Info("postgres migrations applied")
		}
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return store.NewSQLiteStore(cfg.SQLitePath)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	storage, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.StoreDriver, err)
	}
	defer storage.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithInterestRate(cfg.AnnualInterestRate),
		ledger.WithLockWait(cfg.LockWait),
		ledger.WithMetrics(metrics.New(reg)),
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		opts = append(opts, ledger.WithLocker(lock.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait)))
		logger.Info("using redis loan lock", slog.String("addr", cfg.RedisAddr))
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, ledger.WithPublisher(publisher))
	}

	server := NewServer(ledger.NewLedger(storage, opts...), storage, logger, ServerConfig{
		JWTSecret:      cfg.JWTSecret,
		RequestTimeout: cfg.RequestTimeout,
		Gatherer:       reg,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", httpServer.Addr), slog.String("store", cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
