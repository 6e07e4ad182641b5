package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/dp-orchestrator/internal/agentloop"
	"github.com/basket/dp-orchestrator/internal/broker"
	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/transport"
)

// ChannelBridge adapts the broker's asynchronous channel transport
// (SendToAgent publishes and returns immediately; the reply arrives
// later, out of band, as a to_channel envelope) to the synchronous
// channels.Registrar interface TelegramChannel/CLIChannel expect. It
// is the cmd/channel process's stand-in for a local *agentloop.Loop:
// one user's reply is correlated back to their RegisterMsg call by
// external_user_id, with a timeout so a lost or never-sent reply
// doesn't block a channel goroutine forever.
type ChannelBridge struct {
	gateway     *broker.ChannelGateway
	channelType string
	timeout     time.Duration

	mu      sync.Mutex
	waiting map[string]chan transport.ToChannel
}

// NewChannelBridge constructs a bridge with no gateway attached yet —
// construction is two-phase because broker.NewChannelGateway itself
// needs the bridge's OnToChannel method as a callback argument. Call
// Attach once the gateway exists, before any channel Start runs.
func NewChannelBridge(channelType string, timeout time.Duration) *ChannelBridge {
	return &ChannelBridge{
		channelType: channelType,
		timeout:     timeout,
		waiting:     make(map[string]chan transport.ToChannel),
	}
}

// Attach binds the bridge to its gateway after both have been
// constructed.
func (b *ChannelBridge) Attach(gw *broker.ChannelGateway) {
	b.gateway = gw
}

// OnToChannel is the broker.ChannelGateway OnToChannel callback:
// deliver an arriving reply to whichever RegisterMsg call is still
// waiting for this user, dropping it silently if that call already
// timed out or was never made (e.g. a stray redelivery).
func (b *ChannelBridge) OnToChannel(msg transport.ToChannel) {
	b.mu.Lock()
	ch, ok := b.waiting[msg.UserID]
	if ok {
		delete(b.waiting, msg.UserID)
	}
	b.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// RegisterMsg implements channels.Registrar.
func (b *ChannelBridge) RegisterMsg(ctx context.Context, in agentloop.RegisterInput) (*dialog.Dialog, error) {
	replyCh := make(chan transport.ToChannel, 1)
	b.mu.Lock()
	b.waiting[in.ExternalUserID] = replyCh
	b.mu.Unlock()

	if err := b.gateway.SendToAgent(ctx, in.ExternalUserID, in.Utterance, in.Reset); err != nil {
		b.mu.Lock()
		delete(b.waiting, in.ExternalUserID)
		b.mu.Unlock()
		return nil, fmt.Errorf("app: send to agent: %w", err)
	}

	if !in.RequireResponse {
		return nil, nil
	}

	timeout := b.timeout
	if in.HasDeadline {
		if d := time.Until(in.Deadline); d > 0 {
			timeout = d
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-replyCh:
		d := dialog.New(in.ExternalUserID, b.channelType)
		d.Utterances = append(d.Utterances, dialog.Utterance{
			InDialogID: 1,
			Role:       dialog.RoleBot,
			Text:       msg.Response,
			DateTime:   time.Now(),
		})
		return d, nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.waiting, in.ExternalUserID)
		b.mu.Unlock()
		return nil, fmt.Errorf("app: timed out waiting for agent reply")
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.waiting, in.ExternalUserID)
		b.mu.Unlock()
		return nil, ctx.Err()
	}
}
