package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/chaindoc/internal/api"
	"github.com/foxzi/chaindoc/internal/chain"
	"github.com/foxzi/chaindoc/internal/compiler"
	"github.com/foxzi/chaindoc/internal/config"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/metrics"
	"github.com/foxzi/chaindoc/internal/mongostore"
	"github.com/foxzi/chaindoc/internal/notify"
	"github.com/foxzi/chaindoc/internal/pipeline"
	"github.com/foxzi/chaindoc/internal/ratelimit"
	"github.com/foxzi/chaindoc/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	version       string
	logger        *slog.Logger
	db            *bolt.DB
	mongo         *mongostore.Client
	eth           *ethclient.Client
	stores        *Stores
	pipeline      *pipeline.Pipeline
	rateLimiter   *ratelimit.Limiter
	collector     *metrics.Collector
	apiServer     *api.Server
	metricsServer *metrics.Server
}

// Stores are the entity stores selected by storage.driver
type Stores struct {
	Templates template.Store
	Documents document.Store
	// Health is nil when the store has nothing to probe
	Health func(ctx context.Context) error
}

// StoreStats implements metrics.StoreStatsProvider
func (s *Stores) StoreStats(ctx context.Context) (*metrics.StoreStats, error) {
	tmpl, err := s.Templates.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	docs, err := s.Documents.Stats(ctx, "")
	if err != nil {
		return nil, err
	}
	return &metrics.StoreStats{Templates: tmpl.Total, Documents: docs.Total}, nil
}

// New creates a new application: storage, chain connection, pipeline and
// servers
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := setupLogger(cfg.Logging, os.Stdout)

	a := &App{config: cfg, version: version, logger: logger}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.config
	logger := a.logger

	db, err := openBolt(cfg.Storage.Path)
	if err != nil {
		return err
	}
	a.db = db

	stores, client, err := selectStores(ctx, cfg.Storage, db)
	if err != nil {
		return err
	}
	a.mongo = client
	logger.Info("storage opened", "driver", cfg.Storage.Driver, "path", cfg.Storage.Path)
	a.stores = stores

	chainCfg := chain.Config{
		RPCURL:         cfg.Chain.RPCURL,
		ChainID:        cfg.Chain.ChainID,
		PrivateKey:     cfg.Chain.PrivateKey,
		Network:        cfg.Chain.Network,
		GasLimit:       cfg.Chain.GasLimit,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
	}
	a.eth, err = chain.Dial(ctx, chainCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Chain.RPCURL, err)
	}
	deployer, err := chain.New(ctx, a.eth, chainCfg, logger)
	if err != nil {
		return err
	}

	opts := pipeline.Options{
		Compiler:    compiler.New(compiler.Config{SolcPath: cfg.Compiler.SolcPath, Timeout: cfg.Compiler.Timeout}),
		Chain:       deployer,
		Templates:   stores.Templates,
		Documents:   stores.Documents,
		StoreHealth: stores.Health,
		Logger:      logger,
	}

	if cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(db, cfg.RateLimit.Limiter())
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		opts.Limiter = a.rateLimiter
		logger.Info("rate limiting enabled")
	}

	if cfg.Notify.Enabled {
		mailer, err := newMailer(cfg.Notify, logger)
		if err != nil {
			return err
		}
		opts.Notifier = mailer
		opts.NotifyTimeout = cfg.Notify.Timeout
		logger.Info("issuance notifications enabled", "relay", cfg.Notify.Host)
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector, err = metrics.NewCollector(db, m, stores, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		metrics.SetGlobalCollector(a.collector)
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	a.pipeline = pipeline.New(opts)
	a.apiServer = api.NewServer(api.Options{
		Service:   a.pipeline,
		Config:    &cfg.API,
		Collector: a.collector,
		Version:   a.version,
		Logger:    logger,
	})
	return nil
}

func openBolt(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage %s: %w", path, err)
	}
	return db, nil
}

// OpenStores opens the configured entity stores without connecting to the
// chain. The returned func releases them.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, func(), error) {
	db, err := openBolt(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	stores, client, err := selectStores(ctx, cfg.Storage, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	release := func() {
		if client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		}
		db.Close()
	}
	return stores, release, nil
}

// selectStores returns bolt stores over db, or mongo stores when the driver
// is mongo; the mongo client is nil otherwise
func selectStores(ctx context.Context, cfg config.StorageConfig, db *bolt.DB) (*Stores, *mongostore.Client, error) {
	if cfg.Driver != config.DriverMongo {
		stores, err := boltStores(db)
		return stores, nil, err
	}

	client, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := client.EnsureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, nil, err
	}
	return mongoStores(client), client, nil
}

func boltStores(db *bolt.DB) (*Stores, error) {
	templates, err := template.NewBoltStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create template store: %w", err)
	}
	documents, err := document.NewBoltStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create document store: %w", err)
	}
	return &Stores{Templates: templates, Documents: documents}, nil
}

func mongoStores(client *mongostore.Client) *Stores {
	return &Stores{
		Templates: mongostore.NewTemplateStore(client.Database()),
		Documents: mongostore.NewDocumentStore(client.Database()),
		Health:    client.Ping,
	}
}

func newMailer(cfg config.NotifyConfig, logger *slog.Logger) (*notify.Mailer, error) {
	var signer *notify.Signer
	if cfg.DKIM.Enabled {
		var err error
		signer, err = notify.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
	}
	return notify.New(notify.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		Password:  cfg.Password,
		From:      cfg.From,
		HeloName:  cfg.HeloName,
		TLS:       cfg.TLS,
		VerifyURL: cfg.VerifyURL,
		Timeout:   cfg.Timeout,
	}, signer, logger), nil
}

// Pipeline returns the orchestrator, for one-shot CLI commands
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting chaindoc",
		"version", a.version,
		"api_addr", a.config.API.ListenAddr,
		"network", a.config.Chain.Network,
		"storage", a.config.Storage.Driver,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.close()
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases storage and connections without stopping servers
func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	if a.collector != nil {
		metrics.SetGlobalCollector(nil)
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
		a.collector = nil
	}
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
		a.rateLimiter = nil
	}
	if a.eth != nil {
		a.eth.Close()
		a.eth = nil
	}
	if a.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.mongo.Disconnect(ctx); err != nil {
			a.logger.Error("mongo disconnect error", "error", err)
		}
		cancel()
		a.mongo = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
		a.db = nil
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
