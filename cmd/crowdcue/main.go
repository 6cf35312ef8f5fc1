package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/livelab/crowdcue/internal/bridge"
	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/config"
	"github.com/livelab/crowdcue/internal/consensus"
	"github.com/livelab/crowdcue/internal/gateway"
	"github.com/livelab/crowdcue/internal/metrics"
	"github.com/livelab/crowdcue/internal/session"
)

const (
	appName = "crowdcue"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time audience consensus engine for live performance",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consensus engine",
		Long:  "Start the scheduler, WebSocket gateway, and optional OSC bridge for one performance instance",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML configuration (defaults apply when omitted)")
	serveCmd.Flags().Bool("autostart", true, "Start the consensus scheduler immediately")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	autostart, _ := cmd.Flags().GetBool("autostart")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration rejected: %w", err)
		}
		cfg = loaded
	}
	applyLogLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	eventBus := bus.New(cfg.SubscriberQueueSize, reg)
	defer eventBus.Close()

	buffer := consensus.NewBuffer(cfg.TemporalWindowMs, consensus.DefaultBufferCap)
	aggregator := consensus.NewAggregator(cfg.AggregateConfig())
	mixer := consensus.NewMixer()
	engine := consensus.NewEngine(
		consensus.EngineConfig{TickPeriod: cfg.TickPeriod()},
		buffer, cfg.WeightConfig(), aggregator, mixer,
		bus.NewEmitter(eventBus), reg,
	)

	for _, spec := range cfg.ParameterSpecs() {
		if err := engine.RegisterParameter(spec); err != nil {
			return fmt.Errorf("failed to register parameter %q: %w", spec.Name, err)
		}
	}

	registry := session.NewRegistry(session.Config{
		RateLimitHz:    cfg.RateLimitHz,
		RateLimitBurst: cfg.RateLimitBurst,
		IdleTimeout:    cfg.SessionIdleTimeout(),
	}, eventBus, reg)
	go registry.Run(ctx)

	if cfg.OSCEnabled {
		oscBridge := bridge.New(bridge.Config{
			Prefix:     cfg.OSCPrefix,
			LocalPort:  cfg.OSCLocalPort,
			RemoteHost: cfg.OSCRemoteHost,
			RemotePort: cfg.OSCRemotePort,
		}, eventBus, reg)
		go func() {
			if err := oscBridge.Run(ctx); err != nil {
				log.Error().Err(err).Msg("OSC bridge failed")
			}
		}()
	}

	if autostart {
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("scheduler failed to start: %w", err)
		}
	}
	defer engine.Stop()

	server := gateway.NewServer(gateway.Config{
		ListenAddr:     cfg.ListenAddr,
		PerformerToken: cfg.PerformerToken,
		SendQueueSize:  cfg.SubscriberQueueSize,
	}, engine, registry, eventBus, reg)

	log.Info().Str("version", version).
		Int("parameters", len(cfg.Parameters)).
		Int("tick_period_ms", cfg.TickPeriodMs).
		Bool("osc", cfg.OSCEnabled).
		Msg("crowdcue starting")

	return server.Run(ctx)
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(parsed)
}
