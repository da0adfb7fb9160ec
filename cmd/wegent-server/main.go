// Command wegent-server runs the task orchestration API: dispatch,
// status aggregation, streaming ingestion, and the live event channels.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wecode-ai/Wegent-sub007/internal/cache"
	"github.com/wecode-ai/Wegent-sub007/internal/config"
	"github.com/wecode-ai/Wegent-sub007/internal/dispatch"
	"github.com/wecode-ai/Wegent-sub007/internal/fanout"
	"github.com/wecode-ai/Wegent-sub007/internal/logging"
	"github.com/wecode-ai/Wegent-sub007/internal/observability"
	"github.com/wecode-ai/Wegent-sub007/internal/resource"
	"github.com/wecode-ai/Wegent-sub007/internal/scheduler"
	"github.com/wecode-ai/Wegent-sub007/internal/server/app"
	httpserver "github.com/wecode-ai/Wegent-sub007/internal/server/http"
	"github.com/wecode-ai/Wegent-sub007/internal/status"
	"github.com/wecode-ai/Wegent-sub007/internal/store"
	"github.com/wecode-ai/Wegent-sub007/internal/streaming"
	"github.com/wecode-ai/Wegent-sub007/internal/worker"
)

func main() {
	var configPath string
	var addr string

	rootCmd := &cobra.Command{
		Use:   "wegent-server",
		Short: "Task orchestration server",
		Long:  "wegent-server dispatches subtasks to executors, aggregates their status, and streams execution output to observers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.NewComponentLogger("Server")

	taskStore, resourceStore, cleanup, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	metrics := observability.NewMetrics()
	broadcaster := fanout.NewBroadcaster()
	metrics.RegisterFanoutStats(func() (int64, int64, int64) {
		snap := broadcaster.Snapshot()
		return snap.TotalEventsSent, snap.DroppedEvents, snap.ActiveConnections
	})
	streamCache := cache.New(cfg.Streaming.CacheSize, cfg.Streaming.CacheTTL)

	aggregator := status.New(taskStore, logging.NewComponentLogger("StatusAggregator"))
	dispatcher := dispatch.New(taskStore, resourceStore, metrics, logging.NewComponentLogger("Dispatcher"))
	ingestor := streaming.NewIngestor(taskStore, streamCache, broadcaster, aggregator, metrics,
		logging.NewComponentLogger("StreamIngestor"), streaming.Options{
			CacheFlushInterval:   cfg.Streaming.CacheFlushInterval,
			DurableFlushInterval: cfg.Streaming.DurableFlushInterval,
			SessionCeiling:       cfg.Streaming.SessionCeiling,
		})
	tasks := app.NewTaskService(taskStore, resourceStore, broadcaster)

	router := httpserver.NewRouter(httpserver.RouterConfig{
		API:            httpserver.NewAPIHandler(tasks, dispatcher, aggregator, ingestor),
		SSE:            httpserver.NewSSEHandler(broadcaster),
		WS:             httpserver.NewWSHandler(broadcaster),
		Metrics:        metrics,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		// No WriteTimeout: SSE and WebSocket connections are long-lived.
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("HTTP server listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		ingestor.RunSweeper(ctx, cfg.Streaming.SweepInterval)
		return nil
	})

	if cfg.Worker.Enabled {
		pool := worker.NewPool(dispatcher, aggregator, &loopbackRunner{ingestor: ingestor}, worker.Options{
			Size:              cfg.Worker.Size,
			PollInterval:      cfg.Worker.PollInterval,
			ExecutorName:      cfg.Worker.ExecutorName,
			ExecutorNamespace: cfg.Worker.ExecutorNamespace,
		}, logging.NewComponentLogger("WorkerPool"))
		group.Go(func() error { return pool.Run(ctx) })
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler, tasks, logging.NewComponentLogger("Scheduler"))
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		group.Go(func() error {
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}

	return group.Wait()
}

// openStores selects the Postgres stores when a database URL is configured,
// the in-memory pair otherwise.
func openStores(ctx context.Context, cfg config.Config, logger logging.Logger) (store.Store, resource.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("No database configured, using in-memory stores")
		return store.NewMemoryStore(), resource.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}

	taskStore := store.NewPostgresStore(pool)
	if err := taskStore.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure task schema: %w", err)
	}
	resourceStore := resource.NewPostgresStore(pool)
	if err := resourceStore.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure resource schema: %w", err)
	}

	logger.Info("Connected to Postgres")
	return taskStore, resourceStore, pool.Close, nil
}

// loopbackRunner is the built-in dev-mode executor: it echoes the prompt
// back through the streaming pipeline and completes the subtask. Production
// deployments run external executors against /api/dispatch instead.
type loopbackRunner struct {
	ingestor *streaming.Ingestor
}

func (r *loopbackRunner) Run(ctx context.Context, execCtx *dispatch.ExecutionContext) error {
	emit := func(eventType streaming.EventType, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return r.ingestor.Process(ctx, streaming.Event{
			Type:      eventType,
			TaskID:    execCtx.TaskID,
			SubtaskID: execCtx.SubtaskID,
			Payload:   raw,
		})
	}

	if err := emit(streaming.EventStart, struct{}{}); err != nil {
		return err
	}
	if err := emit(streaming.EventChunk, streaming.ChunkPayload{Content: "Echo: " + execCtx.Prompt}); err != nil {
		return err
	}
	return emit(streaming.EventStatus, streaming.StatusPayload{Status: store.SubtaskStatusCompleted})
}
