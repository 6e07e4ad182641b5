// Package transport defines the wire envelopes exchanged between the
// agent, service, and channel gateways (spec.md §3 "Transport
// envelope", §4.5). Every envelope is JSON UTF-8 and carries a
// discriminating msg_type field; an unknown msg_type is a fatal parse
// error for whichever gateway received it.
package transport

import (
	"encoding/json"
	"fmt"
)

// MsgType discriminates the envelope union.
type MsgType string

const (
	MsgServiceTask     MsgType = "service_task"
	MsgServiceResponse MsgType = "service_response"
	MsgToChannel       MsgType = "to_channel"
	MsgFromChannel     MsgType = "from_channel"
)

// ServiceTask flows agent -> service.
type ServiceTask struct {
	AgentName  string          `json:"agent_name"`
	TaskUUID   string          `json:"task_uuid"`
	DialogID   string          `json:"dialog_id"`
	Payload    json.RawMessage `json:"payload"`
}

// ServiceResponse flows service -> agent.
type ServiceResponse struct {
	AgentName        string          `json:"agent_name"`
	TaskUUID         string          `json:"task_uuid"`
	ServiceName      string          `json:"service_name"`
	ServiceInstanceID string         `json:"service_instance_id"`
	Response         json.RawMessage `json:"response"`
	Error            string          `json:"error,omitempty"`
}

// ToChannel flows agent -> channel.
type ToChannel struct {
	AgentName string `json:"agent_name"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Response  string `json:"response"`
}

// FromChannel flows channel -> agent.
type FromChannel struct {
	AgentName   string `json:"agent_name"`
	ChannelID   string `json:"channel_id"`
	UserID      string `json:"user_id"`
	Utterance   string `json:"utterance"`
	ResetDialog bool   `json:"reset_dialog"`
}

// Envelope is the minimal shape needed to recover msg_type before
// unmarshalling the rest of the payload into the concrete type.
type envelope struct {
	MsgType MsgType `json:"msg_type"`
}

// Marshal wraps a concrete message with its msg_type discriminator.
func Marshal(msgType MsgType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %s: %w", msgType, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("transport: marshal %s: %w", msgType, err)
	}
	tagged, err := json.Marshal(msgType)
	if err != nil {
		return nil, err
	}
	fields["msg_type"] = tagged
	return json.Marshal(fields)
}

// Unmarshal inspects msg_type and decodes into the matching concrete
// type, returned as `any`. Callers type-switch on the result.
func Unmarshal(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: malformed envelope: %w", err)
	}
	switch env.MsgType {
	case MsgServiceTask:
		var m ServiceTask
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("transport: decode service_task: %w", err)
		}
		return m, nil
	case MsgServiceResponse:
		var m ServiceResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("transport: decode service_response: %w", err)
		}
		return m, nil
	case MsgToChannel:
		var m ToChannel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("transport: decode to_channel: %w", err)
		}
		return m, nil
	case MsgFromChannel:
		var m FromChannel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("transport: decode from_channel: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("transport: unknown msg_type %q", env.MsgType)
	}
}
