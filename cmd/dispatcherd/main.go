// cmd/dispatcherd/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	http_api "single-thread-dispatcher/internal/api/http"
	"single-thread-dispatcher/internal/config"
	"single-thread-dispatcher/internal/dispatcher"
	"single-thread-dispatcher/internal/domain"
	"single-thread-dispatcher/internal/health"
	"single-thread-dispatcher/internal/infra/etcd"
	http_infra "single-thread-dispatcher/internal/infra/http"
	"single-thread-dispatcher/internal/infra/memory"
	shell_infra "single-thread-dispatcher/internal/infra/shell"
	"single-thread-dispatcher/internal/tracing"
	"single-thread-dispatcher/internal/usecase"
	"single-thread-dispatcher/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // For local dev, allow all origins
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		// Handle pre-flight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("single-thread-dispatcher", os.Stdout)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	hostname, _ := os.Hostname()
	logger.Info("starting dispatcher daemon", "host", hostname, "dispatchers", cfg.Dispatchers, "max_threads", cfg.MaxThreads)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	worker.DefaultRegistry.SetLimit(cfg.MaxThreads)

	// 4. Repositories: etcd when configured, process memory otherwise
	var (
		taskRepo  domain.TaskRepository
		execRepo  domain.ExecutionRepository
		announcer *etcd.Announcer
		discovery *etcd.WorkerDiscovery
	)
	if cfg.EtcdEnabled() {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		taskRepo = etcd.NewEtcdTaskRepository(etcdClient, logger)
		execRepo = etcd.NewEtcdExecutionRepository(etcdClient, logger)

		announcer = etcd.NewAnnouncer(etcdClient, hostname, cfg.AnnounceTTL, cfg.EtcdTimeout, logger)
		startCtx, startCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
		err = announcer.Start(startCtx)
		startCancel()
		if err != nil {
			log.Fatalf("Failed to start worker announcer: %v", err)
		}
		worker.DefaultRegistry.AddObserver(announcer)

		discovery = etcd.NewWorkerDiscovery(etcdClient, logger)
		go discovery.WatchWorkers(rootCtx)
	} else {
		taskRepo = memory.NewTaskRepository()
		execRepo = memory.NewExecutionRepository(cfg.HistoryLimit)
	}

	// 5. Executors and task service
	executors := map[domain.ExecutorType]domain.ActionExecutor{
		domain.ExecutorTypeHTTP:  http_infra.NewHttpTaskExecutor(cfg.ExecutorTimeout),
		domain.ExecutorTypeShell: shell_infra.NewShellTaskExecutor(cfg.ExecutorTimeout, logger),
	}
	taskService := usecase.NewTaskService(taskRepo, execRepo, executors, logger, dispatcher.WithLogger(logger))

	// 6. Start dispatchers and re-arm persisted cron tasks
	healthServer := health.NewServer(logger)
	for _, name := range cfg.Dispatchers {
		d, err := taskService.StartDispatcher(name)
		if err != nil {
			log.Fatalf("Failed to start dispatcher %s: %v", name, err)
		}
		healthServer.Watch(d)
	}
	if err := taskService.Restore(rootCtx); err != nil {
		logger.Error("failed to restore cron tasks", "error", err)
	}

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewTaskHandler(taskService, logger).RegisterRoutes(mux)
	if discovery != nil {
		http_api.NewWorkersHandler(discovery, logger).RegisterRoutes(mux)
	}

	// 8. Start HTTP API server with CORS middleware
	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 9. Start gRPC health server
	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down application gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if err := taskService.CloseAll(shutdownCtx); err != nil {
		logger.Error("dispatchers did not terminate in time", "error", err)
	}
	healthServer.Stop()
	if announcer != nil {
		if err := announcer.Close(shutdownCtx); err != nil {
			logger.Error("failed to withdraw worker announcements", "error", err)
		}
	}

	logger.Info("application shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
