package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/oriys/rubber-controller/internal/broker"
	"github.com/oriys/rubber-controller/internal/cloud"
	"github.com/oriys/rubber-controller/internal/config"
	"github.com/oriys/rubber-controller/internal/controller"
	"github.com/oriys/rubber-controller/internal/logging"
	"github.com/oriys/rubber-controller/internal/metrics"
	"github.com/oriys/rubber-controller/internal/observability"
	"github.com/oriys/rubber-controller/internal/profile"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/workers"
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var (
	configFile   string
	registryPath string
	logConfFile  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "controller",
		Short: "Rubber - elasticity controller for a worker fleet",
		Long:  "Watches broker queue depth and the worker registry, spawning and tearing down cloud VMs to keep queues drained without overshooting MAX_VM_QTY.",
		RunE:  runController,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")
	rootCmd.Flags().StringVar(&registryPath, "registry", "", "Path to the VM registry directory (overrides config)")
	rootCmd.Flags().StringVar(&logConfFile, "log-conf", "", "Path to a log level override file (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the controller version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("rubber-controller %s\n", version)
			return nil
		},
	}
}

// runController implements the startup sequence: load config, fail fast on
// an incompatible broker or an empty profile table (exit 1), then run until
// a shutdown signal arrives (exit 0). Per-tick failures are logged and
// tolerated by the loop, so no runtime path exits with code 2.
func runController(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	if logConfFile != "" {
		if data, readErr := os.ReadFile(logConfFile); readErr == nil {
			logging.SetLevelFromString(string(data))
		}
	}

	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	if cfg.RegistryPath == "" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			home = "."
		}
		cfg.RegistryPath = filepath.Join(home, ".rubber")
	}

	if err := broker.ValidateURL(cfg.Broker.URL); err != nil {
		logging.Op().Error("controller: incompatible broker backend", "error", err)
		os.Exit(1)
	}

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	if err := os.MkdirAll(cfg.RegistryPath, 0o700); err != nil {
		logging.Op().Error("controller: failed to create registry directory", "path", cfg.RegistryPath, "error", err)
		os.Exit(1)
	}
	logging.Op().Info("controller: registry directory ready", "path", cfg.RegistryPath)

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logging.Op().Error("controller: failed to open VM registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	profiles := buildProfiles(cfg)
	table, err := profile.NewTable(profiles, cfg.Policy.MaxVMQty)
	if err != nil {
		logging.Op().Error("controller: no profiles configured", "error", err)
		os.Exit(1)
	}

	driver, err := cloud.New(cfg.Cloud.Driver, cfg.Cloud.Settings)
	if err != nil {
		logging.Op().Error("controller: failed to construct cloud driver; a concrete IaaS driver must register itself via cloud.Register before this binary runs", "error", err)
		os.Exit(1)
	}

	brokerStats := broker.NewHTTPStats(broker.Config{
		Host:    cfg.Broker.AdminHost,
		Port:    cfg.Broker.AdminPort,
		User:    cfg.Broker.AdminUser,
		Pass:    cfg.Broker.AdminPass,
		VHost:   cfg.Broker.VHost,
		Timeout: 5 * time.Second,
	})

	workerReg := workers.NewHTTPRegistry(cfg.WorkerRegistry.URL, cfg.WorkerRegistry.Timeout)

	ctrl := controller.New(controller.Config{
		EvalInterval:         cfg.Policy.EvalInterval,
		MinIdleWorkers:       cfg.Policy.MinIdleWorkers,
		BackorderThreshold:   cfg.Policy.BackorderThreshold,
		SlackerTimeThreshold: cfg.Policy.SlackerTimeThreshold,
	}, table, reg, driver, brokerStats, workerReg)

	var httpServer *http.Server
	if cfg.Daemon.HTTPAddr != "" {
		httpServer = startHTTPServer(cfg.Daemon.HTTPAddr, cfg)
		logging.Op().Info("controller: HTTP endpoints started", "addr", cfg.Daemon.HTTPAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	logging.Op().Info("controller: started", "max_vm_qty", cfg.Policy.MaxVMQty, "eval_interval", cfg.Policy.EvalInterval.String())

	<-sigCh
	logging.Op().Info("controller: shutdown signal received")
	cancel()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	<-done
	logging.Op().Info("controller: clean shutdown")
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildProfiles converts the config's WORKER_SERVICES map into a profile
// slice sorted by ID, so BudgetAllocator's remainder tie-break is
// deterministic across restarts regardless of Go's map iteration order.
func buildProfiles(cfg *config.Config) []profile.Profile {
	ids := make([]string, 0, len(cfg.WorkerServices))
	for id := range cfg.WorkerServices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	profiles := make([]profile.Profile, 0, len(ids))
	for _, id := range ids {
		svc := cfg.WorkerServices[id]
		profiles = append(profiles, profile.Profile{
			ID:         id,
			QueueName:  svc.Queue,
			SpawnArgs:  svc.CloudArgs,
			SpawnRatio: svc.SpawnRatio,
		})
	}
	return profiles
}

func startHTTPServer(addr string, cfg *config.Config) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.Observability.Metrics.Enabled {
		mux.Handle("GET /metrics", metrics.PrometheusHandler())
	}

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("controller: HTTP server failed", "error", err)
		}
	}()
	return srv
}
