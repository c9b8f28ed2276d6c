// Package main provides the entry point for a webcam node.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/narvanalabs/camfleet/internal/capture"
	"github.com/narvanalabs/camfleet/internal/discovery"
	"github.com/narvanalabs/camfleet/internal/grpc"
	"github.com/narvanalabs/camfleet/internal/models"
	"github.com/narvanalabs/camfleet/internal/readiness"
	"github.com/narvanalabs/camfleet/internal/shutdown"
	"github.com/narvanalabs/camfleet/internal/webcam"
	"github.com/narvanalabs/camfleet/pkg/config"
	"github.com/narvanalabs/camfleet/pkg/logger"
)

// Version is set at build time using ldflags.
var Version = "dev"

func main() {
	configFile := flag.StringP("config", "c", "", "Path to a YAML config file (or set CAMFLEET_CONFIG)")
	envFile := flag.String("env-file", "", "Path to a .env file layered under the environment")
	showVersion := flag.BoolP("version", "v", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	os.Exit(run(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile}))
}

func run(opts config.LoadOptions) int {
	cfg, err := config.LoadWebcam(opts)
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		return 1
	}
	log := logger.FromSettings(cfg.Log.Level, cfg.Log.Format)
	wc := cfg.Webcam

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	clock := readiness.NewFrameClock()
	eval := readiness.NewEvaluator(clock, wc.StaleThreshold)
	latest := capture.NewLatest()

	source := capture.NewTestPattern(wc.Capture.Width, wc.Capture.Height, wc.Capture.Interval,
		log.WithComponent("capture").Logger)
	pipeline := webcam.NewPipeline(source, clock, latest, log.WithComponent("pipeline").Logger)

	server := webcam.NewServer(webcam.Config{
		NodeID:   wc.NodeID,
		NodeName: wc.NodeName,
		APIToken: wc.APIToken,
	}, clock, eval, latest, log.WithComponent("http").Logger)

	httpServer := &http.Server{
		Addr:              wc.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	httpServer.RegisterOnShutdown(server.CloseStreams)
	coordinator.Register(shutdown.NewHTTPServerComponent("http", httpServer))

	if wc.GRPCPort > 0 {
		gcfg := grpc.DefaultConfig()
		gcfg.Host = wc.Host
		gcfg.Port = wc.GRPCPort
		gs := grpc.NewServer(gcfg, grpc.ServiceWebcam, func(context.Context) bool {
			return eval.Evaluate().Ready()
		}, log.Logger)
		go func() {
			if err := gs.Start(ctx); err != nil {
				log.Error("gRPC health server failed", "error", err)
				cancel(err)
			}
		}()
		coordinator.Register(shutdown.NewGRPCServerComponent("grpc-health", gs))
	}

	if wc.HubURL != "" {
		announcer, err := discovery.NewAnnouncer(discovery.AnnouncerConfig{
			HubURL:       wc.HubURL,
			Secret:       wc.DiscoverySecret,
			Announcement: announcement(wc),
			Interval:     wc.AnnounceInterval,
		}, log.WithComponent("announcer").Logger)
		if err != nil {
			log.Error("failed to create announcer", "error", err)
			return 1
		}
		announcer.Start(ctx)
		coordinator.Register(shutdown.NewStopperComponent("announcer", announcer))
	}

	// Stopped first, so readiness flips before the listeners drain.
	pipeline.Start(ctx)
	coordinator.Register(shutdown.NewStopperComponent("pipeline", pipeline))

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go webcam.WatchThreshold(ctx, hup, eval, func() (time.Duration, error) {
		c, err := config.LoadWebcam(opts)
		if err != nil {
			return 0, err
		}
		return c.Webcam.StaleThreshold, nil
	}, log.Logger)

	go func() {
		log.Info("starting webcam node",
			"addr", httpServer.Addr,
			"node_id", wc.NodeID,
			"stale_threshold", wc.StaleThreshold,
			"version", Version,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			cancel(err)
		}
	}()

	coordinator.WaitForSignal(ctx)
	return coordinator.ExitCode()
}

func announcement(wc config.WebcamConfig) discovery.Announcement {
	transport := models.TransportHTTP
	a := discovery.Announcement{
		ID:           wc.NodeID,
		BaseURL:      &wc.PublicURL,
		Transport:    &transport,
		Labels:       wc.Labels,
		Capabilities: []string{models.CapabilityStream, "snapshot"},
	}
	if wc.NodeName != "" {
		a.Name = &wc.NodeName
	}
	return a
}
