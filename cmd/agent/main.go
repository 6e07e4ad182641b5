// Command agent runs one dialog-orchestrator agent process (spec.md
// §6 "Process model"): the agent loop, its HTTP gateway, its sqlite
// storage collaborator, and — when configured — any in-process
// channels plus a broker connection for remote channels/services.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/basket/dp-orchestrator/internal/agentloop"
	"github.com/basket/dp-orchestrator/internal/app"
	"github.com/basket/dp-orchestrator/internal/broker"
	"github.com/basket/dp-orchestrator/internal/channels"
	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/connector"
	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/gateway"
	"github.com/basket/dp-orchestrator/internal/storage"
	"github.com/basket/dp-orchestrator/internal/transport"
	"github.com/basket/dp-orchestrator/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startup, err := app.Bootstrap(ctx, config.HomeDir(), false)
	if err != nil {
		fatalStartup(nil, err)
	}
	defer startup.Close(context.Background())
	logger := startup.Logger
	cfg := startup.Config

	store, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		fatalStartup(logger, fmt.Errorf("open storage: %w", err))
	}
	defer store.Close()

	pipe, err := app.BuildPipeline(cfg)
	if err != nil {
		fatalStartup(logger, fmt.Errorf("build pipeline: %w", err))
	}
	workflows := workflow.New()

	serviceNames := make([]string, 0, len(cfg.Pipeline))
	usesBroker := false
	for _, sc := range cfg.Pipeline {
		serviceNames = append(serviceNames, sc.Name)
		if cc, ok := cfg.Connectors[sc.Connector]; ok && cc.Kind == "broker" {
			usesBroker = true
		}
	}

	// loopRef lets the agent gateway's onFromChannel callback reach the
	// agent loop even though the gateway must be constructed (and
	// connected) before the loop exists — the loop needs the gateway's
	// connectors, and the connectors need the gateway.
	var loopRef *agentloop.Loop
	var agentGateway *broker.AgentGateway
	var pending *app.PendingResponses

	if usesBroker {
		pending = app.NewPendingResponses()
		agentGateway = broker.NewAgentGateway(
			cfg.Broker.ToBrokerConfig(""),
			cfg.AgentName,
			logger,
			pending.Resolve,
			func(msg transport.FromChannel) {
				if loopRef == nil {
					logger.Warn("agent: from_channel arrived before the loop was ready", "channel", msg.ChannelID)
					return
				}
				go deliverFromChannel(context.Background(), loopRef, agentGateway, logger, msg, cfg.ResponseTimeout())
			},
		)
		if err := agentGateway.Connect(ctx); err != nil {
			fatalStartup(logger, fmt.Errorf("connect agent gateway: %w", err))
		}
	}

	var sender connector.ServiceSender
	var registerBroker func(string, connector.OnResponse)
	if agentGateway != nil {
		sender = agentGateway
		registerBroker = pending.Register
	}

	connectors, err := app.BuildConnectors(ctx, cfg, serviceNames, sender, registerBroker)
	if err != nil {
		fatalStartup(logger, fmt.Errorf("build connectors: %w", err))
	}

	loop, err := agentloop.New(agentloop.Options{
		Pipeline:   pipe,
		Workflows:  workflows,
		Hooks:      dialog.NewRegistry(store),
		Formatters: agentloop.NewFormatterRegistry(),
		Connectors: connectors,
		Store:      store,
		Logger:     logger,
		RecordResponse: func(service string, d time.Duration, isError bool) {
			ctx := context.Background()
			startup.Metrics.ServiceResponseTime.Record(ctx, d.Seconds())
			if isError {
				startup.Metrics.ServiceErrors.Add(ctx, 1)
			}
		},
	})
	if err != nil {
		fatalStartup(logger, fmt.Errorf("build agent loop: %w", err))
	}
	loopRef = loop

	gw := gateway.New(loop, store, workflows, cfg.Gateway, logger)
	server := &http.Server{Addr: cfg.Gateway.Addr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("agent: gateway listening", "addr", cfg.Gateway.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	reaper := workflow.NewReaper(workflows, logger, 30*time.Second, func(dialogID string) {
		startup.Metrics.WorkflowTimeouts.Add(context.Background(), 1)
		logger.Warn("agent: reaper found a workflow stuck past its deadline", "dialog_id", dialogID)
	})
	if err := reaper.Start(ctx, 30*time.Second); err != nil {
		logger.Warn("agent: reaper failed to start", "error", err)
	}

	inProcessChannels, err := app.BuildChannels(cfg, loop, logger)
	if err != nil {
		fatalStartup(logger, fmt.Errorf("build channels: %w", err))
	}
	var wg sync.WaitGroup
	for _, ch := range inProcessChannels {
		wg.Add(1)
		go func(ch channels.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("agent: channel exited with error", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}

	select {
	case <-ctx.Done():
		logger.Info("agent: shutdown signal received")
	case err := <-serverErr:
		logger.Error("agent: gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("agent: shutdown complete")
}

// deliverFromChannel runs a remote channel's utterance through the
// local loop exactly the way an in-process Channel would, then ships
// the bot reply back out over the broker.
func deliverFromChannel(ctx context.Context, loop *agentloop.Loop, gw *broker.AgentGateway, logger *slog.Logger, msg transport.FromChannel, timeout time.Duration) {
	d, err := loop.RegisterMsg(ctx, agentloop.RegisterInput{
		ExternalUserID:  msg.UserID,
		ChannelType:     msg.ChannelID,
		Utterance:       msg.Utterance,
		Reset:           msg.ResetDialog,
		RequireResponse: true,
		Deadline:        time.Now().Add(timeout),
		HasDeadline:     true,
	})
	if err != nil {
		logger.Error("agent: remote channel register_msg failed", "channel", msg.ChannelID, "user", msg.UserID, "error", err)
		return
	}
	last, ok := d.Last()
	if !ok || last.Role != dialog.RoleBot {
		return
	}
	if err := gw.SendToChannel(ctx, msg.ChannelID, msg.UserID, last.Text); err != nil {
		logger.Error("agent: send to channel failed", "channel", msg.ChannelID, "error", err)
	}
}

func fatalStartup(logger *slog.Logger, err error) {
	if logger != nil {
		logger.Error("agent: startup failed", "error", err)
	} else {
		fmt.Fprintln(os.Stderr, "agent: startup failed:", err)
	}
	os.Exit(1)
}
