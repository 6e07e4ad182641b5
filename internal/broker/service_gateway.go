package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/basket/dp-orchestrator/internal/transport"
)

// ServiceCaller runs inference over a batch of tasks and returns one
// response per task, in order. Returning an error (including a
// ctx-deadline timeout) fails the whole batch.
type ServiceCaller func(ctx context.Context, tasks []transport.ServiceTask) ([]json.RawMessage, error)

// ServiceGateway is the service endpoint of the broker transport. It
// implements the two-mutex batching protocol from spec.md §4.5:
// addToBufferLock is released once the buffer reaches BatchSize;
// inferLock is held while the current batch runs, guaranteeing at most
// one batch in flight per service instance while still letting
// messages accumulate under load.
type ServiceGateway struct {
	*base
	serviceName  string
	instanceID   string
	batchSize    int
	inferTimeout time.Duration
	caller       ServiceCaller

	ch *amqp.Channel

	addToBufferLock sync.Mutex
	inferLock       sync.Mutex
	buffer          []amqp.Delivery
}

// NewServiceGateway constructs a service gateway for serviceName/
// instanceID with the given batch size and inference timeout.
func NewServiceGateway(cfg Config, logger *slog.Logger, serviceName, instanceID string, batchSize int, inferTimeout time.Duration, caller ServiceCaller) *ServiceGateway {
	if batchSize < 1 {
		batchSize = 1
	}
	return &ServiceGateway{
		base:         newBase(cfg, logger),
		serviceName:  serviceName,
		instanceID:   instanceID,
		batchSize:    batchSize,
		inferTimeout: inferTimeout,
		caller:       caller,
	}
}

// Connect dials the broker, declares this service's queue bound to
// both the any-instance and this-instance routing keys (competing
// consumers across instances), sets prefetch to 2*batch_size, and
// starts consuming in the background.
func (g *ServiceGateway) Connect(ctx context.Context) error {
	ch, err := g.connect(ctx)
	if err != nil {
		return err
	}
	g.ch = ch

	if err := ch.Qos(g.batchSize*2, 0, false); err != nil {
		return fmt.Errorf("broker: set service qos: %w", err)
	}

	queueName := serviceQueue(g.cfg.Namespace, g.serviceName)
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare service queue: %w", err)
	}
	for _, rk := range []string{serviceAnyRoutingKey(g.serviceName), serviceInstanceRoutingKey(g.serviceName, g.instanceID)} {
		if err := ch.QueueBind(queueName, rk, g.outExchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind service queue to %s: %w", rk, err)
		}
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume service queue: %w", err)
	}

	go g.consumeLoop(ctx, deliveries)
	return nil
}

func (g *ServiceGateway) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			// Each delivery gets its own goroutine so that concurrent
			// arrivals genuinely contend on addToBufferLock/inferLock
			// the way concurrent coroutines would in the original.
			go g.onMessage(ctx, d)
		}
	}
}

func (g *ServiceGateway) onMessage(ctx context.Context, d amqp.Delivery) {
	g.addToBufferLock.Lock()
	g.buffer = append(g.buffer, d)
	full := len(g.buffer) >= g.batchSize
	if !full {
		g.addToBufferLock.Unlock()
	}

	g.inferLock.Lock()
	batch := g.buffer
	g.buffer = nil
	if full {
		g.addToBufferLock.Unlock()
	}
	g.processBatch(ctx, batch)
	g.inferLock.Unlock()
}

func (g *ServiceGateway) processBatch(ctx context.Context, batch []amqp.Delivery) {
	if len(batch) == 0 {
		return
	}

	tasks := make([]transport.ServiceTask, 0, len(batch))
	parsed := make([]amqp.Delivery, 0, len(batch))
	for _, d := range batch {
		msg, err := transport.Unmarshal(d.Body)
		if err != nil {
			g.logger.Error("broker: rejecting unparseable service_task", "error", err)
			_ = d.Reject(false)
			continue
		}
		task, ok := msg.(transport.ServiceTask)
		if !ok {
			g.logger.Error("broker: unexpected message type on service queue", "type", fmt.Sprintf("%T", msg))
			_ = d.Reject(false)
			continue
		}
		tasks = append(tasks, task)
		parsed = append(parsed, d)
	}
	if len(tasks) == 0 {
		return
	}

	inferCtx := ctx
	var cancel context.CancelFunc
	if g.inferTimeout > 0 {
		inferCtx, cancel = context.WithTimeout(ctx, g.inferTimeout)
		defer cancel()
	}

	results, err := g.caller(inferCtx, tasks)
	if err != nil {
		g.logger.Warn("broker: batch inference failed, requeueing", "service", g.serviceName, "batch_size", len(tasks), "error", err)
		for _, d := range parsed {
			_ = d.Reject(true)
		}
		return
	}
	if len(results) != len(tasks) {
		g.logger.Error("broker: inference returned mismatched result count", "want", len(tasks), "got", len(results))
		for _, d := range parsed {
			_ = d.Reject(false)
		}
		return
	}

	for i, task := range tasks {
		if err := g.publishResponse(ctx, task, results[i]); err != nil {
			g.logger.Error("broker: publish service_response failed", "task_uuid", task.TaskUUID, "error", err)
		}
	}
	for _, d := range parsed {
		_ = d.Ack(false)
	}
}

func (g *ServiceGateway) publishResponse(ctx context.Context, task transport.ServiceTask, result json.RawMessage) error {
	resp := transport.ServiceResponse{
		AgentName:         task.AgentName,
		TaskUUID:          task.TaskUUID,
		ServiceName:       g.serviceName,
		ServiceInstanceID: g.instanceID,
		Response:          result,
	}
	body, err := transport.Marshal(transport.MsgServiceResponse, resp)
	if err != nil {
		return fmt.Errorf("broker: marshal service_response: %w", err)
	}
	return g.ch.PublishWithContext(ctx, g.inExchange, agentRoutingKey(task.AgentName), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   g.expirationMillis(),
		Body:         body,
	})
}
