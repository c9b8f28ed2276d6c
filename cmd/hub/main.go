// Package main provides the entry point for the camera fleet management hub.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/narvanalabs/camfleet/internal/aggregator"
	"github.com/narvanalabs/camfleet/internal/api"
	"github.com/narvanalabs/camfleet/internal/api/health"
	"github.com/narvanalabs/camfleet/internal/auth"
	"github.com/narvanalabs/camfleet/internal/discovery"
	"github.com/narvanalabs/camfleet/internal/egress"
	"github.com/narvanalabs/camfleet/internal/grpc"
	"github.com/narvanalabs/camfleet/internal/prober"
	"github.com/narvanalabs/camfleet/internal/registry"
	"github.com/narvanalabs/camfleet/internal/secrets"
	"github.com/narvanalabs/camfleet/internal/shutdown"
	"github.com/narvanalabs/camfleet/pkg/config"
	"github.com/narvanalabs/camfleet/pkg/logger"
)

func main() {
	configFile := flag.StringP("config", "c", "", "Path to a YAML config file (or set CAMFLEET_CONFIG)")
	envFile := flag.String("env-file", "", "Path to a .env file layered under the environment")
	showVersion := flag.BoolP("version", "v", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(api.Version)
		return
	}

	os.Exit(run(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile}))
}

func run(opts config.LoadOptions) int {
	cfg, err := config.LoadHub(opts)
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		return 1
	}
	log := logger.FromSettings(cfg.Log.Level, cfg.Log.Format)
	hc := cfg.Hub

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	guard := egress.NewGuard(
		egress.Policy{AllowPrivate: hc.Egress.AllowPrivate, AllowLoopback: hc.Egress.AllowLoopback},
		egress.WithDNSTimeout(hc.Probe.DNSTimeout),
		egress.WithLogger(log.WithComponent("egress").Logger),
	)

	sealer, err := secrets.NewSealer(&secrets.Config{
		AgePublicKey:  hc.Sealing.AgePublicKey,
		AgePrivateKey: hc.Sealing.AgePrivateKey,
	}, log.Logger)
	if err != nil {
		log.Error("failed to initialize credential sealing", "error", err)
		return 1
	}
	if !sealer.CanSeal() {
		log.Warn("credential sealing not configured, node credentials will be stored in plain text")
	}

	backend, err := openBackend(ctx, hc.Registry, log)
	if err != nil {
		log.Error("failed to open registry backend", "backend", hc.Registry.Backend, "error", err)
		return 1
	}

	reg := registry.NewService(backend,
		registry.NewValidator(guard, log.WithComponent("validator").Logger),
		registry.WithLockTimeout(hc.Registry.LockTimeout),
		registry.WithSealer(sealer),
		registry.WithLogger(log.WithComponent("registry").Logger),
	)
	if err := reg.Load(ctx); err != nil {
		log.Error("failed to load node registry", "error", err)
		reg.Close()
		return 1
	}
	log.Info("node registry loaded", "backend", hc.Registry.Backend, "nodes", reg.Len())
	coordinator.Register(shutdown.NewCloserComponent("registry", reg))

	p, err := prober.New(prober.Config{
		Timeout:        hc.Probe.Timeout,
		MaxInFlight:    hc.Probe.MaxInFlight,
		DockerProxyURL: hc.Probe.DockerProxyURL,
	}, guard, prober.WithLogger(log.WithComponent("prober").Logger))
	if err != nil {
		log.Error("failed to create prober", "error", err)
		return 1
	}

	agg := aggregator.New(reg, p,
		aggregator.WithInterval(hc.Probe.Interval),
		aggregator.WithLogger(log.WithComponent("aggregator").Logger),
	)
	agg.Start(ctx)
	coordinator.Register(shutdown.NewStopperComponent("aggregator", agg))

	verifier, err := auth.NewSecretVerifier(hc.Discovery.Secret)
	if err != nil {
		log.Error("invalid discovery secret", "error", err)
		return 1
	}
	receiver := discovery.NewReceiver(reg, verifier, log.WithComponent("discovery").Logger)

	keys, err := auth.ParseStaticKeys(hc.Auth.APIKeys)
	if err != nil {
		log.Error("invalid operator API keys", "error", err)
		return 1
	}
	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(hc.Auth.JWTSecret),
		TokenExpiry: hc.Auth.JWTExpiry,
	}, keys, log.Logger)

	server := api.NewServer(api.Config{
		Host:               hc.Host,
		Port:               hc.Port,
		APIKeyHeader:       hc.Auth.APIKeyHeader,
		AllowedOrigins:     hc.AllowedOrigins,
		DiscoveryRateLimit: hc.Discovery.RateLimit,
		DiscoveryRateBurst: hc.Discovery.RateBurst,
	}, api.Deps{
		Registry:  reg,
		Prober:    p,
		Overview:  agg,
		Discovery: receiver,
		Auth:      authService,
		Logger:    log.WithComponent("api").Logger,
		Components: map[string]health.Pinger{
			"sealer": health.PingFunc(func(context.Context) error {
				if !sealer.CanSeal() {
					return errors.New("credentials are stored unsealed")
				}
				return nil
			}),
		},
	})
	httpServer := server.HTTPServer()

	var gs *grpc.Server
	if hc.GRPCPort > 0 {
		gcfg := grpc.DefaultConfig()
		gcfg.Host = hc.Host
		gcfg.Port = hc.GRPCPort
		gs = grpc.NewServer(gcfg, grpc.ServiceHub, func(ctx context.Context) bool {
			return reg.Loaded() && reg.Ping(ctx) == nil
		}, log.Logger)
		go func() {
			if err := gs.Start(ctx); err != nil {
				log.Error("gRPC health server failed", "error", err)
				cancel(err)
			}
		}()
		coordinator.Register(shutdown.NewGRPCServerComponent("grpc-health", gs))
	}

	coordinator.Register(shutdown.NewHTTPServerComponent("http", httpServer))

	// Health checkers see NOT_SERVING before the HTTP listener closes.
	if gs != nil {
		coordinator.Register(shutdown.NewFuncComponent("grpc-drain", func(context.Context) error {
			gs.Drain()
			return nil
		}))
	}

	go func() {
		log.Info("starting management hub", "addr", httpServer.Addr, "version", api.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			cancel(err)
		}
	}()

	coordinator.WaitForSignal(ctx)
	return coordinator.ExitCode()
}

func openBackend(ctx context.Context, rc config.RegistryConfig, log *logger.Logger) (registry.Backend, error) {
	l := log.WithComponent("registry").Logger
	switch rc.Backend {
	case config.BackendPostgres:
		pc := registry.DefaultPostgresConfig(rc.DatabaseDSN)
		pc.LockTimeout = rc.LockTimeout
		return registry.NewPostgresBackend(ctx, pc, l)
	default:
		return registry.NewFileBackend(rc.Path, rc.LockTimeout, l)
	}
}
