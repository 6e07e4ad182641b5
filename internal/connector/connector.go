// Package connector implements the outbound call strategies described
// in spec.md §4.1: the adapter that ships a payload to a processing
// service and later delivers its response via a continuation callback.
package connector

import "context"

// Task is one payload dispatched to a connector.
type Task struct {
	TaskID  string
	Payload any
}

// Response is the tagged result delivered to a continuation — spec.md
// §9's design note: "represent a task result as a tagged union
// Result<Response, Error>... this eliminates the isinstance(response,
// Exception) branch." Err is non-nil exactly when the call failed;
// connectors never panic or return an error from Send itself for a
// downstream failure — failures are always delivered as a Response.
type Response struct {
	Value any
	Err   error
}

// IsError reports whether this response represents a connector-level
// failure (HTTP/network/inference error), as opposed to a successful
// service payload.
func (r Response) IsError() bool { return r.Err != nil }

// OnResponse is the continuation every connector calls exactly once
// per dispatched task (spec.md §4.1: "Exactly one callback per send").
type OnResponse func(taskID string, resp Response)

// Connector is the adapter interface implemented by each of the four
// variants in spec.md §4.1.
type Connector interface {
	Send(ctx context.Context, task Task, onResponse OnResponse) error
}
