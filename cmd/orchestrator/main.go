package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataloom-labs/dataloom-go/internal/domain"
	"github.com/dataloom-labs/dataloom-go/internal/executor"
	"github.com/dataloom-labs/dataloom-go/internal/lineage"
	"github.com/dataloom-labs/dataloom-go/internal/metrics"
	"github.com/dataloom-labs/dataloom-go/internal/platform/env"
	"github.com/dataloom-labs/dataloom-go/internal/platform/httpserver"
	"github.com/dataloom-labs/dataloom-go/internal/platform/k8s"
	"github.com/dataloom-labs/dataloom-go/internal/platform/objectstore"
	"github.com/dataloom-labs/dataloom-go/internal/platform/postgres"
	"github.com/dataloom-labs/dataloom-go/internal/registry"
	repopg "github.com/dataloom-labs/dataloom-go/internal/repo/postgres"
	"github.com/dataloom-labs/dataloom-go/internal/scheduler"
	"github.com/dataloom-labs/dataloom-go/internal/syncagent"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DATALOOM_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("DATALOOM_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	syncInterval, err := env.Duration("DATALOOM_SYNC_INTERVAL", 60*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	minioClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("invalid object store client", "error", err)
		os.Exit(2)
	}
	if err := objectstore.CheckStagingBucket(ctx, minioClient, storeCfg); err != nil {
		logger.Error("staging bucket unavailable", "error", err)
		os.Exit(1)
	}
	staging, err := objectstore.NewStagingStore(minioClient, storeCfg)
	if err != nil {
		logger.Error("invalid staging store", "error", err)
		os.Exit(2)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	backends, err := buildBackends(logger)
	if err != nil {
		logger.Error("invalid backend config", "error", err)
		os.Exit(2)
	}
	dispatcher, err := executor.NewDispatcher(logger, m, backends...)
	if err != nil {
		logger.Error("invalid dispatcher config", "error", err)
		os.Exit(2)
	}

	lineageStore, err := lineage.NewPostgresStore(db)
	if err != nil {
		logger.Error("invalid lineage store", "error", err)
		os.Exit(2)
	}
	lineageRetry, err := env.Duration("DATALOOM_LINEAGE_RETRY_INTERVAL", 30*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	lineageAttempts, err := env.Int("DATALOOM_LINEAGE_RETRY_ATTEMPTS", 5)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	registrar, err := lineage.NewRegistrar(logger, lineageStore, m, lineageRetry, lineageAttempts)
	if err != nil {
		logger.Error("invalid lineage registrar", "error", err)
		os.Exit(2)
	}
	registrar.Start(ctx)

	graphRegistry := registry.New()
	runHistory := repopg.NewRunStore(db)

	sched, err := scheduler.New(scheduler.Config{
		Logger:     logger,
		Registry:   graphRegistry,
		Dispatcher: dispatcher,
		Registrar:  registrar,
		History:    runHistory,
		Metrics:    m,
	})
	if err != nil {
		logger.Error("invalid scheduler config", "error", err)
		os.Exit(2)
	}
	sched.Start(ctx)

	agent, err := syncagent.New(syncagent.Config{
		Logger:   logger,
		Staging:  staging,
		Registry: graphRegistry,
		Trigger:  sched,
		Metrics:  m,
		Interval: syncInterval,
	})
	if err != nil {
		logger.Error("invalid sync agent config", "error", err)
		os.Exit(2)
	}
	agent.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "staging",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					return objectstore.CheckStagingBucket(checkCtx, minioClient, storeCfg)
				},
			},
		),
	)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	api := newOrchestratorAPI(logger, sched, graphRegistry, agent, runHistory)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	// Lifecycle context is canceled by now; wait for in-flight runs to
	// finalize their state before exiting.
	sched.Wait()
}

// buildBackends wires the execution backends enabled by configuration. The
// inline backend is always present; container backends are opt-in per
// deployment.
func buildBackends(logger *slog.Logger) ([]executor.Backend, error) {
	inline := executor.NewInlineBackend()
	noop := func(ctx context.Context, task domain.TaskDescriptor, rc executor.RunContext) (executor.Completion, error) {
		return executor.Completion{Status: executor.StatusSuccess}, nil
	}
	if err := inline.RegisterHandler("noop", noop); err != nil {
		return nil, err
	}
	backends := []executor.Backend{inline}

	dockerEnabled, err := env.Bool("DATALOOM_DOCKER_ENABLED", true)
	if err != nil {
		return nil, err
	}
	if dockerEnabled {
		pollInterval, err := env.Duration("DATALOOM_DOCKER_POLL_INTERVAL", 2*time.Second)
		if err != nil {
			return nil, err
		}
		docker, err := executor.NewDockerBackend(env.String("DATALOOM_DOCKER_BIN", "docker"), pollInterval)
		if err != nil {
			return nil, err
		}
		backends = append(backends, docker)
	}

	k8sEnabled, err := env.Bool("DATALOOM_K8S_ENABLED", false)
	if err != nil {
		return nil, err
	}
	if k8sEnabled {
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		ttl, err := env.Int("DATALOOM_K8S_JOB_TTL_SECONDS", 3600)
		if err != nil {
			return nil, err
		}
		pollInterval, err := env.Duration("DATALOOM_K8S_POLL_INTERVAL", 5*time.Second)
		if err != nil {
			return nil, err
		}
		kube, err := executor.NewKubernetesBackend(
			client,
			env.String("DATALOOM_K8S_NAMESPACE", ""),
			int32(ttl),
			env.String("DATALOOM_K8S_SERVICE_ACCOUNT", ""),
			pollInterval,
		)
		if err != nil {
			return nil, err
		}
		backends = append(backends, kube)
	}

	logger.Info("execution backends ready", "docker", dockerEnabled, "kubernetes", k8sEnabled)
	return backends, nil
}
