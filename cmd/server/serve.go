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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/liamcoop/storagerules/accesscount"
	"github.com/liamcoop/storagerules/internal/config"
	"github.com/liamcoop/storagerules/internal/logger"
	"github.com/liamcoop/storagerules/internal/metrics"
	"github.com/liamcoop/storagerules/metastore"
	"github.com/liamcoop/storagerules/rulemanager"
	"github.com/liamcoop/storagerules/rules"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rule engine and the ops HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      NewServer(a.store, a.rules, a.registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	a.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to flush logs: %v\n", err)
	}
	return nil
}

// app holds the long-running components of the daemon
type app struct {
	store    *metastore.Store
	pool     *accesscount.WorkerPool
	tables   *accesscount.Manager
	fetcher  *accesscount.EventFetcher
	rules    *rulemanager.Manager
	registry *prometheus.Registry
	log      *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.Named("server")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	store, err := metastore.Open(ctx, cfg.Database.Driver, cfg.Database.URL,
		metastore.WithMaxPendingCmdlets(cfg.Rules.MaxPendingCmdlets))
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	pool := accesscount.NewWorkerPool(accesscount.WorkerPoolConfig{NumWorkers: cfg.AccessCount.Workers})
	tables, err := accesscount.NewManager(store, pool, cfg.AccessCountTables(), accesscount.WithMetrics(m))
	if err != nil {
		pool.Stop()
		store.Close()
		return nil, err
	}
	aggregator := accesscount.NewEventAggregator(tables, store)
	fetcher := accesscount.NewEventFetcher(store, aggregator, cfg.AccessCount.FetchInterval, m)

	var ruleStore rules.RuleStore
	if store.Dialect() == metastore.Postgres {
		ruleStore = rules.NewPostgresRuleStore(store.DB())
	} else {
		log.Warn("rules are kept in memory with the sqlite driver and will not survive a restart")
		ruleStore = rules.NewInMemoryRuleStore()
	}

	pathFilter, err := rules.NewPathFilterPlugin()
	if err != nil {
		pool.Stop()
		store.Close()
		return nil, err
	}

	manager := rulemanager.NewManager(rulemanager.Deps{
		Store:      ruleStore,
		Meta:       store,
		Tables:     tables,
		Queue:      store,
		Translator: rules.NewYAMLTranslator(nil),
		Executor: rules.ExecutorOptions{
			Plugins: []rules.Plugin{pathFilter, rules.NewLifecycleLogPlugin(nil)},
		},
		Listeners: []rulemanager.LifecycleListener{rulemanager.NewAuditLogger(nil)},
		Metrics:   m,
	}, rulemanager.Config{
		Executors:         cfg.Rules.Executors,
		ActivationTimeout: cfg.Rules.ActivationTimeout,
	})

	return &app{
		store:    store,
		pool:     pool,
		tables:   tables,
		fetcher:  fetcher,
		rules:    manager,
		registry: registry,
		log:      log,
	}, nil
}

// start recovers the table cascade, then starts event ingestion and rules
func (a *app) start(ctx context.Context) error {
	if err := a.tables.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover access count tables: %w", err)
	}
	if err := a.fetcher.Start(ctx); err != nil {
		return err
	}
	if err := a.rules.Load(ctx); err != nil {
		return err
	}
	return a.rules.Start(ctx)
}

func (a *app) close() {
	a.rules.Stop()
	a.fetcher.Stop()
	a.pool.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Error("failed to close metadata store", "error", err)
	}
}
