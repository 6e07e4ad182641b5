package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	"github.com/basket/dp-orchestrator/internal/transport"
)

// OnServiceResponse is invoked for every service_response envelope
// arriving on the agent's inbound queue.
type OnServiceResponse func(msg transport.ServiceResponse)

// OnFromChannel is invoked for every from_channel envelope arriving on
// the agent's inbound queue.
type OnFromChannel func(msg transport.FromChannel)

// AgentGateway is the agent endpoint of the broker transport: it
// publishes service_task/to_channel envelopes and consumes
// service_response/from_channel envelopes on its own queue (spec.md
// §4.5 "Agent <A>").
type AgentGateway struct {
	*base
	agentName string
	ch        *amqp.Channel

	onServiceResponse OnServiceResponse
	onFromChannel     OnFromChannel
}

// NewAgentGateway constructs an agent gateway. Connect must be called
// before Send*/the consume loop can run.
func NewAgentGateway(cfg Config, agentName string, logger *slog.Logger, onServiceResponse OnServiceResponse, onFromChannel OnFromChannel) *AgentGateway {
	return &AgentGateway{
		base:              newBase(cfg, logger),
		agentName:         agentName,
		onServiceResponse: onServiceResponse,
		onFromChannel:     onFromChannel,
	}
}

// Connect dials the broker, declares the exchanges, declares this
// agent's queue, and starts consuming in the background until ctx is
// cancelled.
func (g *AgentGateway) Connect(ctx context.Context) error {
	ch, err := g.connect(ctx)
	if err != nil {
		return err
	}
	g.ch = ch

	queueName := agentQueue(g.cfg.Namespace, g.agentName)
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare agent queue: %w", err)
	}
	routingKey := agentRoutingKey(g.agentName)
	if err := ch.QueueBind(queueName, routingKey, g.inExchange, false, nil); err != nil {
		return fmt.Errorf("broker: bind agent queue: %w", err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume agent queue: %w", err)
	}

	go g.consumeLoop(ctx, deliveries)
	return nil
}

func (g *AgentGateway) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
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

func (g *AgentGateway) handleDelivery(d amqp.Delivery) {
	msg, err := transport.Unmarshal(d.Body)
	if err != nil {
		g.logger.Error("broker: rejecting unparseable agent-inbound message", "error", err)
		_ = d.Reject(false)
		return
	}
	_ = d.Ack(false)

	switch m := msg.(type) {
	case transport.ServiceResponse:
		if g.onServiceResponse != nil {
			g.onServiceResponse(m)
		}
	case transport.FromChannel:
		if g.onFromChannel != nil {
			g.onFromChannel(m)
		}
	default:
		g.logger.Warn("broker: unexpected message type on agent queue", "type", fmt.Sprintf("%T", m))
	}
}

// SendToService publishes a service_task envelope with routing key
// service.<name>.any and returns the task uuid assigned for reply
// correlation (spec.md §4.1/§4.5). It implements
// connector.ServiceSender.
func (g *AgentGateway) SendToService(ctx context.Context, serviceName, dialogID string, payload any) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("broker: marshal service_task payload: %w", err)
	}
	taskUUID := uuid.New().String()
	task := transport.ServiceTask{
		AgentName: g.agentName,
		TaskUUID:  taskUUID,
		DialogID:  dialogID,
		Payload:   payloadJSON,
	}
	body, err := transport.Marshal(transport.MsgServiceTask, task)
	if err != nil {
		return "", fmt.Errorf("broker: marshal service_task envelope: %w", err)
	}
	err = g.ch.PublishWithContext(ctx, g.outExchange, serviceAnyRoutingKey(serviceName), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   g.expirationMillis(),
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("broker: publish service_task: %w", err)
	}
	return taskUUID, nil
}

// SendToChannel publishes a to_channel envelope with routing key
// agent.<A>.channel.<C>.any.
func (g *AgentGateway) SendToChannel(ctx context.Context, channelID, userID, response string) error {
	msg := transport.ToChannel{
		AgentName: g.agentName,
		ChannelID: channelID,
		UserID:    userID,
		Response:  response,
	}
	body, err := transport.Marshal(transport.MsgToChannel, msg)
	if err != nil {
		return fmt.Errorf("broker: marshal to_channel envelope: %w", err)
	}
	return g.ch.PublishWithContext(ctx, g.outExchange, channelRoutingKey(g.agentName, channelID), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   g.expirationMillis(),
		Body:         body,
	})
}
