package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/l0p7/purgectrl/internal/apicache"
	"github.com/l0p7/purgectrl/internal/config"
	"github.com/l0p7/purgectrl/internal/expr"
	"github.com/l0p7/purgectrl/internal/gate"
	"github.com/l0p7/purgectrl/internal/host"
	"github.com/l0p7/purgectrl/internal/linkage"
	"github.com/l0p7/purgectrl/internal/logging"
	"github.com/l0p7/purgectrl/internal/metrics"
	"github.com/l0p7/purgectrl/internal/purge"
	"github.com/l0p7/purgectrl/internal/runtime"
	"github.com/l0p7/purgectrl/internal/schedule"
	"github.com/l0p7/purgectrl/internal/server"
	"github.com/l0p7/purgectrl/internal/templates"
	"github.com/l0p7/purgectrl/internal/trigger"
	"github.com/l0p7/purgectrl/internal/urlset"
	"github.com/prometheus/client_golang/prometheus"
)

// configLoader abstracts configuration hydration so tests can inject fixtures.
type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

// runnableServer is the lifecycle contract the run loop drives.
type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to coordinator configuration file")
		envPrefix  = flag.String("env-prefix", "PURGECTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		log.Fatalf("purgectrl: %v", err)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	keys := linkage.NewKeySet(cfg.Purge.LinkageKeys...)
	policy := linkage.NewPolicy(keys, cfg.Purge.GraceMinutes)

	hybrid, err := expr.NewHybrid(templates.NewRenderer())
	if err != nil {
		return fmt.Errorf("build rule compiler: %w", err)
	}
	urls := urlset.NewBuilder(urlset.Options{
		SiteURL: cfg.Host.SiteURL,
		FeedURL: cfg.Host.FeedURL,
		Rules:   cfg.Purge.URLRules,
		Hybrid:  hybrid,
		Logger:  logger,
	})

	directory := host.NewClient(cfg.Host, logger)
	purger := purge.NewClient(cfg.Edge, recorder, logger)
	if !purger.Configured() {
		logger.Warn("edge credentials absent, purge paths degrade to no-ops")
	}

	registry, backendName := buildTaskRegistry(logger.With(slog.String("agent", "registry_factory")), cfg.Registry)
	tick := time.Duration(cfg.Registry.TickSeconds) * time.Second
	scheduler := schedule.NewScheduler(registry, cfg.Purge.Delay(), tick, recorder, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := scheduler.Close(shutdownCtx); err != nil {
			logger.Error("registry shutdown failed", slog.Any("error", err))
		}
	}()

	triggers, err := trigger.NewOrchestrator(trigger.Options{
		Directory: directory,
		URLs:      urls,
		Purger:    purger,
		Delayer:   scheduler,
		Policy:    policy,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build trigger orchestrator: %w", err)
	}

	renderGate := gate.New(directory, policy, recorder, logger)
	apiPolicy := apicache.NewPolicy(cfg.API, recorder, logger)

	coordinator, err := runtime.NewCoordinator(logger, runtime.Options{
		Triggers:          triggers,
		Gate:              renderGate,
		API:               apiPolicy,
		Scheduler:         scheduler,
		Metrics:           recorder,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		RegistryBackend:   backendName,
		EdgeConfigured:    purger.Configured(),
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewCoordinatorHandler(coordinator))

	srv, err := newHTTPServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	var wg sync.WaitGroup
	if scheduler.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(schedCtx, func(fireCtx context.Context, item string) {
				triggers.RunDelayedPurge(fireCtx, host.ID(item))
			})
		}()
	}

	err = srv.Run(ctx)
	cancelSched()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("coordinator shutdown complete")
	return nil
}

// buildTaskRegistry selects the pending-purge registry backend, falling back
// to memory when an external backend cannot be reached so the coordinator
// still starts in a degraded-but-working state.
func buildTaskRegistry(logger *slog.Logger, cfg config.RegistryConfig) (schedule.Registry, string) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory task registry")
		}
		return schedule.NewMemory(), "memory"
	case "redis":
		registry, err := schedule.NewRedis(schedule.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: schedule.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis registry initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory registry")
			}
			return schedule.NewMemory(), "memory"
		}
		if logger != nil {
			logger.Info("using redis task registry", slog.String("address", cfg.Redis.Address))
		}
		return registry, "redis"
	case "bolt":
		registry, err := schedule.NewBolt(cfg.Bolt.Path)
		if err != nil {
			if logger != nil {
				logger.Error("bolt registry initialization failed",
					slog.String("path", cfg.Bolt.Path), slog.Any("error", err))
				logger.Info("falling back to memory registry")
			}
			return schedule.NewMemory(), "memory"
		}
		if logger != nil {
			logger.Info("using bolt task registry", slog.String("path", cfg.Bolt.Path))
		}
		return registry, "bolt"
	default:
		if logger != nil {
			logger.Warn("unsupported registry backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return schedule.NewMemory(), "memory"
	}
}
