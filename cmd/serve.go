package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channel"
	"github.com/pynchy/pynchy/internal/channel/discord"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/orchestrator"
	"github.com/pynchy/pynchy/internal/runner"
	"github.com/pynchy/pynchy/internal/store"
)

// shutdownWatchdog bounds the graceful shutdown before the process force-exits.
const shutdownWatchdog = 12 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Pynchy host",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(filepath.Join(cfg.Paths.DataDir, "pynchy.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	channels := buildChannels(cfg, st)
	if len(channels) == 0 {
		slog.Warn("no chat channels configured; set channels.discord.enabled and PYNCHY_DISCORD_TOKEN")
	}

	api, err := runner.NewDockerAPI()
	if err != nil {
		slog.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(cfg, cfgPath, st, channels, api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		cancel()
		// The watchdog covers a shutdown that hangs on container drains; a
		// second signal skips it entirely.
		go func() {
			time.Sleep(shutdownWatchdog)
			slog.Error("shutdown watchdog fired, exiting")
			os.Exit(1)
		}()
		<-sigCh
		slog.Warn("second signal, exiting immediately")
		os.Exit(1)
	}()

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("orchestrator failed", "error", err)
		os.Exit(1)
	}
}

// buildChannels constructs every enabled chat adapter. Inbound messages go
// straight to the durable store; the pipeline's poll loop picks them up.
func buildChannels(cfg *config.Config, st *store.Store) []channel.Channel {
	var out []channel.Channel

	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token == "" {
			slog.Warn("discord enabled but PYNCHY_DISCORD_TOKEN is not set")
		} else {
			dc, err := discord.New(cfg.Channels.Discord,
				func(msg bus.Message, mentioned bool) {
					if mentioned {
						if msg.Metadata == nil {
							msg.Metadata = map[string]any{}
						}
						msg.Metadata["mentioned"] = true
					}
					if err := st.StoreMessage(msg); err != nil {
						slog.Error("inbound store failed", "channel", "discord", "error", err)
					}
				},
				nil,
			)
			if err != nil {
				slog.Error("discord adapter init failed", "error", err)
			} else {
				out = append(out, dc)
			}
		}
	}
	return out
}
