// Package cli builds the cobra command trees of the coordinator and worker binaries.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"segment-coordinator/internal/api"
	"segment-coordinator/internal/cache"
	"segment-coordinator/internal/config"
	"segment-coordinator/internal/coordinator"
	"segment-coordinator/internal/logging"
	"segment-coordinator/internal/ratelimit"
	"segment-coordinator/internal/store"
	"segment-coordinator/internal/telemetry"
	"segment-coordinator/internal/worker"
)

// bind maps flag names onto config keys so flags override the environment.
func bind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// BuildCoordinatorCLI returns the root command of the coordinator binary.
func BuildCoordinatorCLI() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "coordinator",
		Short:         "Segment coordinator for volunteer search jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("postgres-dsn", "", "PostgreSQL connection string")
	bind(v, root.PersistentFlags(), map[string]string{
		"log-level":    "LOG_LEVEL",
		"postgres-dsn": "POSTGRES_DSN",
	})

	root.AddCommand(buildServeCommand(v), buildMigrateCommand(v))
	return root
}

func buildServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordinator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, cfg, logging.New(cfg))
		},
	}
	cmd.Flags().String("port", "8080", "HTTP listen port")
	cmd.Flags().String("store", "postgres", "store driver (postgres, memory)")
	cmd.Flags().String("api-key", "", "API key for privileged routes")
	bind(v, cmd.Flags(), map[string]string{
		"port":    "HTTP_PORT",
		"store":   "STORE_DRIVER",
		"api-key": "API_KEY",
	})
	return cmd
}

func buildMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			log := logging.New(cfg)
			pg, err := store.NewPostgres(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pg.Close()
			if err := pg.RunMigrations(cmd.Context()); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

// openStore selects the store driver named by the configuration.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; state is lost on exit")
		return store.NewMemory(), nil
	case "postgres", "":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func serve(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	svc := coordinator.New(st, coordinator.Options{
		MinElapsed: cfg.MinSubmitElapsed,
		Slack:      cfg.ElapsedSlack,
		Logger:     log,
	})

	var (
		limiter   *ratelimit.TokenBucket
		summaries *cache.SummaryCache
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, "rl:tickets:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		summaries = cache.NewSummaryCache(rdb, cfg.SummaryCacheTTL)
	}
	if cfg.APIKey == "" {
		log.Warn("API_KEY is empty; privileged routes are disabled")
	}

	server := api.New(cfg, svc, limiter, summaries, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.HTTPPort, "store": cfg.StoreDriver}).Info("coordinator listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}

// BuildWorkerCLI returns the root command of the worker binary.
func BuildWorkerCLI() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Lease segments from a coordinator, compute them and submit the results",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromViper(v)
			ctx, cancel := signalContext()
			defer cancel()
			return runWorker(ctx, cfg, logging.New(cfg))
		},
	}
	cmd.Flags().String("coordinator", "http://localhost:8080", "coordinator base URL")
	cmd.Flags().String("job", "", "job to work on")
	cmd.Flags().String("contributor", "", "name credited with submissions")
	cmd.Flags().String("command", "", "compute command, run once per segment")
	cmd.Flags().String("seed-dir", "./seeds", "seed file cache directory")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	bind(v, cmd.Flags(), map[string]string{
		"coordinator": "COORDINATOR_URL",
		"job":         "WORKER_JOB",
		"contributor": "WORKER_CONTRIBUTOR",
		"command":     "WORKER_COMMAND",
		"seed-dir":    "SEED_DIR",
		"log-level":   "LOG_LEVEL",
	})
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	if cfg.WorkerJob == "" {
		return errors.New("a job is required (--job or WORKER_JOB)")
	}
	if len(cfg.WorkerCommand) == 0 {
		return errors.New("a compute command is required (--command or WORKER_COMMAND)")
	}

	instanceID := uuid.NewString()
	contributor := cfg.WorkerContributor
	if contributor == "" {
		contributor = "worker-" + instanceID[:8]
	}

	seeds, err := worker.NewSeedFetcher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init seed fetcher: %w", err)
	}
	client := worker.NewClient(cfg.CoordinatorURL, "segment-worker/"+instanceID, nil)
	entry := log.WithField("instance", instanceID)
	runner := worker.NewRunner(cfg, client, seeds, worker.CommandCompute(cfg.WorkerCommand), contributor, entry)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				entry.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	entry.WithFields(logrus.Fields{
		"coordinator": cfg.CoordinatorURL,
		"job":         cfg.WorkerJob,
		"contributor": contributor,
	}).Info("worker started")
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	entry.Info("worker stopped")
	return nil
}
