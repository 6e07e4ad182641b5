package app

import (
	"fmt"
	"log/slog"

	"github.com/basket/dp-orchestrator/internal/channels"
	"github.com/basket/dp-orchestrator/internal/config"
)

// BuildChannels constructs the in-process channel adapters enabled in
// cfg.Channels, each wired directly against registrar — the local
// *agentloop.Loop for cmd/agent, or the broker-backed bridge adapter
// for cmd/channel. Every returned channel still needs its Start(ctx)
// run, typically each in its own goroutine.
func BuildChannels(cfg config.Config, registrar channels.Registrar, logger *slog.Logger) ([]channels.Channel, error) {
	var out []channels.Channel

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			return nil, fmt.Errorf("app: telegram channel enabled but token is missing")
		}
		out = append(out, channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			registrar,
			logger,
		))
	}

	if cfg.Channels.CLI.Enabled {
		out = append(out, channels.NewCLIChannel(cfg.Channels.CLI.UserID, registrar, logger))
	}

	return out, nil
}
