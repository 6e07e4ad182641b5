package app

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/basket/dp-orchestrator/internal/connector"
	"github.com/basket/dp-orchestrator/internal/transport"
)

// PendingResponses correlates a broker-assigned task uuid back to the
// connector.OnResponse continuation that was waiting for it. The
// connector.Broker variant calls Register right after publishing a
// service_task; AgentGateway's OnServiceResponse callback calls
// Resolve once the matching service_response envelope arrives on the
// agent's inbound queue — the two may run on different goroutines, so
// access is mutex-protected (spec.md §4.5: "agent <-> service" is
// asynchronous, reply correlation is by task uuid, never by blocking
// on the publish call).
type PendingResponses struct {
	mu      sync.Mutex
	waiting map[string]connector.OnResponse
}

// NewPendingResponses constructs an empty registry.
func NewPendingResponses() *PendingResponses {
	return &PendingResponses{waiting: make(map[string]connector.OnResponse)}
}

// Register records onResponse against taskUUID. It is passed as the
// registerBroker argument to BuildConnectors.
func (p *PendingResponses) Register(taskUUID string, onResponse connector.OnResponse) {
	p.mu.Lock()
	p.waiting[taskUUID] = onResponse
	p.mu.Unlock()
}

// Resolve looks up and removes the continuation registered for
// msg.TaskUUID and invokes it with the decoded response payload. It is
// passed as AgentGateway's OnServiceResponse callback. A response for
// an unknown or already-resolved task uuid is dropped with no error —
// the reaper may have already timed the task out on the workflow side.
func (p *PendingResponses) Resolve(msg transport.ServiceResponse) {
	p.mu.Lock()
	onResponse, ok := p.waiting[msg.TaskUUID]
	if ok {
		delete(p.waiting, msg.TaskUUID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if msg.Error != "" {
		onResponse(msg.TaskUUID, connector.Response{Err: errors.New(msg.Error)})
		return
	}
	var value any
	if err := json.Unmarshal(msg.Response, &value); err != nil {
		onResponse(msg.TaskUUID, connector.Response{Err: err})
		return
	}
	onResponse(msg.TaskUUID, connector.Response{Value: value})
}
