package connector

import "context"

// ServiceSender is implemented by the agent gateway (internal/broker)
// and is the only capability the broker-backed connector needs: ship a
// service_task envelope for the named service and return the task
// uuid the gateway generated for reply correlation.
type ServiceSender interface {
	SendToService(ctx context.Context, serviceName string, dialogID string, payload any) (taskUUID string, err error)
}

// Broker publishes a service_task envelope on the agent-out exchange
// with routing key service.<name>.any (spec.md §4.1 "Broker-backed").
// The response is delivered later through the gateway's ingress path,
// not synchronously from Send — the agent loop registers onResponse
// against the broker-assigned task uuid before Send returns.
type Broker struct {
	ServiceName string
	Sender      ServiceSender
	Register    func(taskUUID string, onResponse OnResponse)
}

func (b Broker) Send(ctx context.Context, task Task, onResponse OnResponse) error {
	var dialogID string
	if m, ok := task.Payload.(map[string]any); ok {
		dialogID, _ = m["dialog_id"].(string)
	}
	taskUUID, err := b.Sender.SendToService(ctx, b.ServiceName, dialogID, task.Payload)
	if err != nil {
		onResponse(task.TaskID, Response{Err: err})
		return nil
	}
	if b.Register != nil {
		b.Register(taskUUID, onResponse)
	}
	return nil
}
