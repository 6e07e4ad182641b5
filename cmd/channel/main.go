// Command channel runs one channel adapter (Telegram or CLI) as a
// standalone process talking to a remote agent over the broker
// (spec.md §6 "Process model", §4.5 "Channel <C> under agent <A>").
// It bridges the channel's synchronous register_msg call into the
// broker's asynchronous from_channel/to_channel exchange via
// app.ChannelBridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/basket/dp-orchestrator/internal/app"
	"github.com/basket/dp-orchestrator/internal/broker"
	"github.com/basket/dp-orchestrator/internal/channels"
	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/telemetry"
)

func main() {
	var (
		kind          = flag.String("kind", "cli", "channel kind: telegram or cli")
		agentName     = flag.String("agent", "dp-orchestrator", "agent name this channel talks to")
		namespace     = flag.String("namespace", "dp-orchestrator", "broker namespace shared with the agent")
		host          = flag.String("broker-host", "localhost", "broker host")
		port          = flag.Int("broker-port", 5672, "broker port")
		login         = flag.String("broker-login", "guest", "broker login")
		password      = flag.String("broker-password", "guest", "broker password")
		vhost         = flag.String("broker-vhost", "/", "broker virtual host")
		responseTTL   = flag.Duration("response-timeout", 10*time.Second, "message TTL published on every from_channel envelope")
		replyTimeout  = flag.Duration("reply-timeout", 15*time.Second, "how long to wait for the agent's reply before failing a turn")
		telegramToken = flag.String("telegram-token", "", "telegram bot token (telegram kind only)")
		telegramIDs   = flag.String("telegram-allowed-ids", "", "comma-separated allowed telegram chat ids (telegram kind only)")
		cliUserID     = flag.String("cli-user-id", "cli-user", "external user id this CLI session addresses itself as (cli kind only)")
		logLevel      = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closer, err := telemetry.NewLogger(config.HomeDir(), *logLevel, *kind == "cli")
	if err != nil {
		fmt.Fprintln(os.Stderr, "channel: init logger:", err)
		os.Exit(1)
	}
	defer closer.Close()

	var channelID string
	switch *kind {
	case "telegram":
		channelID = "telegram"
	case "cli":
		channelID = "cli"
	default:
		fmt.Fprintf(os.Stderr, "channel: unknown -kind %q (want telegram or cli)\n", *kind)
		os.Exit(2)
	}

	bridge := app.NewChannelBridge(channelID, *replyTimeout)

	brokerCfg := broker.Config{
		Host:            *host,
		Port:            *port,
		Login:           *login,
		Password:        *password,
		VirtualHost:     *vhost,
		Namespace:       *namespace,
		ResponseTimeout: *responseTTL,
	}
	gw := broker.NewChannelGateway(brokerCfg, *agentName, channelID, logger, bridge.OnToChannel)
	bridge.Attach(gw)
	if err := gw.Connect(ctx); err != nil {
		logger.Error("channel: connect failed", "error", err)
		os.Exit(1)
	}

	var ch channels.Channel
	switch *kind {
	case "telegram":
		if *telegramToken == "" {
			fmt.Fprintln(os.Stderr, "channel: -telegram-token is required for -kind telegram")
			os.Exit(2)
		}
		ch = channels.NewTelegramChannel(*telegramToken, parseAllowedIDs(*telegramIDs), bridge, logger)
	case "cli":
		ch = channels.NewCLIChannel(*cliUserID, bridge, logger)
	}

	logger.Info("channel: starting", "kind", *kind, "agent", *agentName)
	if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Error("channel: exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("channel: shutdown complete")
}

func parseAllowedIDs(csv string) []int64 {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
