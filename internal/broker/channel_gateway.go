package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/dp-orchestrator/internal/transport"
)

// OnToChannel is invoked for every to_channel envelope delivered to a
// channel's queue.
type OnToChannel func(msg transport.ToChannel)

// ChannelGateway is the channel endpoint of the broker transport: it
// publishes from_channel envelopes and consumes to_channel envelopes
// bound to this channel's queue (spec.md §4.5 "Channel <C> under agent
// <A>").
type ChannelGateway struct {
	*base
	agentName   string
	channelID   string
	ch          *amqp.Channel
	onToChannel OnToChannel
}

// NewChannelGateway constructs a channel gateway for channelID under
// agentName.
func NewChannelGateway(cfg Config, agentName, channelID string, logger *slog.Logger, onToChannel OnToChannel) *ChannelGateway {
	return &ChannelGateway{
		base:        newBase(cfg, logger),
		agentName:   agentName,
		channelID:   channelID,
		onToChannel: onToChannel,
	}
}

// Connect dials the broker, declares this channel's queue, and starts
// consuming in the background.
func (g *ChannelGateway) Connect(ctx context.Context) error {
	ch, err := g.connect(ctx)
	if err != nil {
		return err
	}
	g.ch = ch

	queueName := channelQueue(g.cfg.Namespace, g.agentName, g.channelID)
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare channel queue: %w", err)
	}
	routingKey := channelRoutingKey(g.agentName, g.channelID)
	if err := ch.QueueBind(queueName, routingKey, g.outExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind channel queue: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume channel queue: %w", err)
	}

	go g.consumeLoop(ctx, deliveries)
	return nil
}

func (g *ChannelGateway) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			g.handleDelivery(d)
		}
	}
}

func (g *ChannelGateway) handleDelivery(d amqp.Delivery) {
	msg, err := transport.Unmarshal(d.Body)
	if err != nil {
		g.logger.Error("broker: rejecting unparseable channel-inbound message", "error", err)
		_ = d.Reject(false)
		return
	}
	_ = d.Ack(false)

	toChannel, ok := msg.(transport.ToChannel)
	if !ok {
		g.logger.Warn("broker: unexpected message type on channel queue", "type", fmt.Sprintf("%T", msg))
		return
	}
	if g.onToChannel != nil {
		g.onToChannel(toChannel)
	}
}

// SendToAgent publishes a from_channel envelope with routing key
// agent.<A>.
func (g *ChannelGateway) SendToAgent(ctx context.Context, userID, utterance string, resetDialog bool) error {
	msg := transport.FromChannel{
		AgentName:   g.agentName,
		ChannelID:   g.channelID,
		UserID:      userID,
		Utterance:   utterance,
		ResetDialog: resetDialog,
	}
	body, err := transport.Marshal(transport.MsgFromChannel, msg)
	if err != nil {
		return fmt.Errorf("broker: marshal from_channel envelope: %w", err)
	}
	return g.ch.PublishWithContext(ctx, g.inExchange, agentRoutingKey(g.agentName), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   g.expirationMillis(),
		Body:         body,
	})
}
