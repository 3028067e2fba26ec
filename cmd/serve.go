package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cognoxlabs/sofia/internal/channels"
	"github.com/cognoxlabs/sofia/internal/channels/telegram"
	"github.com/cognoxlabs/sofia/internal/channels/whatsapp"
	"github.com/cognoxlabs/sofia/internal/config"
	"github.com/cognoxlabs/sofia/internal/convo"
	"github.com/cognoxlabs/sofia/internal/convo/pg"
	"github.com/cognoxlabs/sofia/internal/convo/sqlite"
	"github.com/cognoxlabs/sofia/internal/httpapi"
	"github.com/cognoxlabs/sofia/internal/pipeline"
	"github.com/cognoxlabs/sofia/internal/providers"
	"github.com/cognoxlabs/sofia/internal/scheduling"
	"github.com/cognoxlabs/sofia/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (webhook listener + delivery pipeline)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// startStopper is implemented by channels with their own connection
// lifecycle (bridge, telegram). The Cloud API channel is purely
// request/response and needs neither.
type startStopper interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	provider := buildProvider(cfg)

	loc, err := time.LoadLocation(cfg.Agent.Timezone)
	if err != nil {
		loc = time.UTC
	}
	var slots scheduling.Source
	if cfg.Scheduling.Enabled {
		if cfg.Scheduling.CalendlyToken != "" {
			slots = scheduling.NewCalendlySource(cfg.Scheduling, loc)
		} else {
			slots = scheduling.NewStaticSource(cfg.Scheduling.SlotWindowDays, cfg.Scheduling.MaxSlots, loc)
		}
	}

	// The channel constructors need the inbound callback before the
	// dispatcher exists; bind it late through a pointer.
	var dispatcher *pipeline.Dispatcher
	dispatch := func(in pipeline.Inbound) {
		if dispatcher != nil {
			// Detach from the signal context so an in-flight turn can
			// finish within the shutdown grace instead of being cut off.
			dispatcher.Dispatch(context.WithoutCancel(ctx), in)
		}
	}

	channel, lifecycle, noteInbound, err := buildChannel(cfg, dispatch)
	if err != nil {
		slog.Error("failed to build channel", "error", err)
		os.Exit(1)
	}

	orchestrator := pipeline.NewOrchestrator(provider, slots, cfg.Agent, cfg.Provider.Model, cfg.ProviderTimeout())
	pacer := pipeline.NewPacer(cfg.Pacing)
	deliverer := pipeline.NewDeliverer(channel, pacer, cfg.Delivery, cfg.RetryBackoff())
	proc := pipeline.New(store, orchestrator, deliverer, channel, cfg.Delivery.MaxBubbles, slots != nil)
	serializer := pipeline.NewSerializer(0)
	dispatcher = pipeline.NewDispatcher(serializer, proc.ProcessTurn)

	if lifecycle != nil {
		if err := lifecycle.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", channel.Name(), "error", err)
			os.Exit(1)
		}
	}

	server := httpapi.NewServer(cfg, dispatcher, store, slots, noteInbound)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	slog.Info("sofia running",
		"channel", channel.Name(),
		"provider", provider.Name(),
		"db", cfg.Database.Driver)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}
	stop()

	// Let in-flight turns finish; queued and future turns are dropped.
	serializer.Close(cfg.ShutdownGrace())

	if lifecycle != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = lifecycle.Stop(stopCtx)
		cancel()
	}
	if err := telemetryShutdown(context.Background()); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	slog.Info("sofia stopped")
}

func openStore(cfg *config.Config) (convo.Store, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		path := config.ExpandHome(cfg.Database.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		return sqlite.Open(path)
	case "postgres":
		return pg.Open(cfg.Database.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildProvider(cfg *config.Config) providers.Provider {
	switch cfg.Provider.Type {
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.Provider.AnthropicAPIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	default:
		return providers.NewOpenAIProvider(cfg.Provider.OpenAIAPIKey, cfg.Provider.APIBase, cfg.Provider.Model)
	}
}

// buildChannel constructs the outbound channel. The returned lifecycle
// is nil for the Cloud API channel; noteInbound is non-nil only for
// the Cloud API channel, which needs inbound message IDs for typing
// indicators.
func buildChannel(cfg *config.Config, dispatch func(pipeline.Inbound)) (channels.Outbound, startStopper, func(sender, messageID string), error) {
	switch cfg.Channel.Type {
	case "whatsapp":
		client, err := whatsapp.NewCloudClient(cfg.Channel.WhatsApp)
		if err != nil {
			return nil, nil, nil, err
		}
		return client, nil, client.NoteInbound, nil

	case "whatsapp_bridge":
		bridge, err := whatsapp.NewBridge(cfg.Channel.Bridge, func(in whatsapp.InboundText) {
			dispatch(pipeline.Inbound{
				Sender:      in.Sender,
				MessageID:   in.MessageID,
				Text:        in.Text,
				ProfileName: in.ProfileName,
			})
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return bridge, bridge, nil, nil

	case "telegram":
		tg, err := telegram.New(cfg.Channel.Telegram, func(in telegram.Inbound) {
			dispatch(pipeline.Inbound{
				Sender:      in.Sender,
				MessageID:   in.MessageID,
				Text:        in.Text,
				ProfileName: in.ProfileName,
			})
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return tg, tg, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown channel type %q", cfg.Channel.Type)
	}
}
