// SkyGrid Gateway - edge routing for SkyGrid services
//
// This is the main entry point for the gateway. It discovers backend
// instances, probes their health, and forwards client requests across
// the fleet with retries, per-client rate limiting, and request metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skygrid/gateway-core/internal/api"
	"github.com/skygrid/gateway-core/internal/balancer"
	"github.com/skygrid/gateway-core/internal/health"
	"github.com/skygrid/gateway-core/internal/infrastructure/config"
	"github.com/skygrid/gateway-core/internal/infrastructure/influxdb"
	"github.com/skygrid/gateway-core/internal/infrastructure/logging"
	"github.com/skygrid/gateway-core/internal/metrics"
	"github.com/skygrid/gateway-core/internal/proxy"
	"github.com/skygrid/gateway-core/internal/ratelimit"
	"github.com/skygrid/gateway-core/internal/registry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/gateway.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting SkyGrid Gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Metrics collector; the in-memory snapshot backs /gateway/status and
	// the optional sink mirrors each request into InfluxDB.
	var sink metrics.Sink
	if influxClient != nil {
		sink = influxClient
	}
	collector := metrics.NewCollector(sink)

	// Health tracker receives probe results and per-request outcomes.
	tracker := health.NewTracker(health.TrackerOptions{
		FailureThreshold: cfg.Health.FailureThreshold,
		SuccessThreshold: cfg.Health.SuccessThreshold,
	})
	tracker.SetLogger(log)

	// Discovery sources: static instances from config, plus the etcd
	// catalog when enabled.
	sources := make([]registry.Source, 0, 2)
	if len(cfg.Discovery.Static) > 0 {
		sources = append(sources, registry.NewStaticSource(staticInstances(cfg)))
		log.Info("static discovery enabled", "instances", len(cfg.Discovery.Static))
	}
	if cfg.Discovery.Etcd.Enabled {
		etcdSource, etcdErr := registry.NewEtcdSource(
			cfg.Discovery.Etcd.Endpoints,
			cfg.Discovery.Etcd.Namespace,
			time.Duration(cfg.Discovery.Etcd.DialTimeout)*time.Second,
		)
		if etcdErr != nil {
			return fmt.Errorf("connecting to etcd: %w", etcdErr)
		}
		defer func() {
			log.Info("closing etcd connection")
			if closeErr := etcdSource.Close(); closeErr != nil {
				log.Error("error closing etcd", "error", closeErr)
			}
		}()
		sources = append(sources, etcdSource)
		log.Info("etcd discovery enabled",
			"endpoints", cfg.Discovery.Etcd.Endpoints,
			"namespace", cfg.Discovery.Etcd.Namespace,
		)
	}

	// Service registry polls the sources and owns the instance lifecycle.
	reg := registry.New(registry.Options{
		Sources:      sources,
		PollInterval: cfg.GetPollInterval(),
		DrainGrace:   cfg.GetDrainGrace(),
	})
	reg.SetLogger(log)
	reg.SetHealthSink(tracker)
	reg.Start(ctx)
	defer func() {
		log.Info("stopping registry")
		reg.Stop()
	}()
	log.Info("registry started", "services", len(reg.Services()))

	// Route table maps request path prefixes to logical services.
	routes, err := registry.NewRouteTable(routeRules(cfg))
	if err != nil {
		return fmt.Errorf("building route table: %w", err)
	}
	log.Info("route table built", "rules", len(routes.Rules()))

	// Active prober feeds the tracker on a fixed cadence.
	prober, err := health.NewProber(health.ProberOptions{
		Tracker:  tracker,
		Targets:  func() []health.Target { return probeTargets(reg) },
		Interval: cfg.GetProbeInterval(),
		Timeout:  cfg.GetProbeTimeout(),
	})
	if err != nil {
		return fmt.Errorf("creating health prober: %w", err)
	}
	prober.SetLogger(log)
	prober.Start(ctx)
	defer func() {
		log.Info("stopping health prober")
		prober.Stop()
	}()

	// Per-client rate limiter (optional).
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Options{
			RatePerSecond: cfg.RateLimit.Rate,
			Burst:         cfg.RateLimit.Burst,
			Classes:       rateLimitClasses(cfg),
			IdleTTL:       cfg.GetRateLimitIdleTTL(),
		})
		limiter.SetLogger(log)
		limiter.Start(ctx)
		defer func() {
			log.Info("stopping rate limiter")
			limiter.Stop()
		}()
		log.Info("rate limiting enabled",
			"rate", cfg.RateLimit.Rate,
			"burst", cfg.RateLimit.Burst,
			"classes", len(cfg.RateLimit.Classes),
		)
	} else {
		log.Info("rate limiting disabled")
	}

	// Forwarding engine: resolve, pick, forward, retry.
	picker := balancer.NewPicker(reg, tracker)
	router, err := proxy.NewRouter(proxy.RouterOptions{
		Routes:           routes,
		Picker:           picker,
		Health:           tracker,
		Inflight:         reg,
		Metrics:          collector,
		MaxRetries:       cfg.Proxy.MaxRetries,
		UpstreamTimeout:  cfg.GetUpstreamTimeout(),
		RetryBufferLimit: cfg.Proxy.RetryBufferLimit,
	})
	if err != nil {
		return fmt.Errorf("creating proxy router: %w", err)
	}
	router.SetLogger(log)

	// HTTP server: middleware chain, operational endpoints, catch-all proxy.
	server, err := api.New(api.Deps{
		Config:   cfg.Server,
		Security: cfg.Security,
		Logger:   log,
		Proxy:    router,
		Registry: reg,
		Tracker:  tracker,
		Metrics:  collector,
		Limiter:  limiter,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (stops accepting, drains in-flight requests)
	// 2. Rate limiter and prober
	// 3. Registry and etcd
	// 4. InfluxDB (flushes pending points)

	log.Info("SkyGrid Gateway stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GATEWAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// staticInstances converts configured static instances to registry records.
func staticInstances(cfg *config.Config) []registry.Instance {
	instances := make([]registry.Instance, len(cfg.Discovery.Static))
	for i, s := range cfg.Discovery.Static {
		instances[i] = registry.Instance{
			Service:        s.Service,
			ID:             s.ID,
			Address:        s.Address,
			Port:           s.Port,
			Tags:           s.Tags,
			HealthCheckURL: s.HealthCheckURL,
		}
	}
	return instances
}

// rateLimitClasses converts configured route classes to limiter classes.
func rateLimitClasses(cfg *config.Config) []ratelimit.Class {
	classes := make([]ratelimit.Class, len(cfg.RateLimit.Classes))
	for i, c := range cfg.RateLimit.Classes {
		classes[i] = ratelimit.Class{
			Prefix:        c.Prefix,
			RatePerSecond: c.Rate,
			Burst:         c.Burst,
		}
	}
	return classes
}

// routeRules converts configured routes to route table rules.
func routeRules(cfg *config.Config) []registry.Rule {
	rules := make([]registry.Rule, len(cfg.Routes))
	for i, r := range cfg.Routes {
		rules[i] = registry.Rule{
			Prefix:      r.Prefix,
			Service:     r.Service,
			StripPrefix: r.StripPrefix,
		}
	}
	return rules
}

// probeTargets snapshots the registry as probe targets.
func probeTargets(reg *registry.Registry) []health.Target {
	instances := reg.AllInstances()
	targets := make([]health.Target, len(instances))
	for i, inst := range instances {
		targets[i] = health.Target{
			Service: inst.Service,
			ID:      inst.ID,
			Addr:    inst.Addr(),
			URL:     inst.HealthCheckURL,
		}
	}
	return targets
}
