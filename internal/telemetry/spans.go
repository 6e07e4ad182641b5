package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for agent-loop spans.
var (
	AttrDialogID = attribute.Key("dp.dialog.id")
	AttrService  = attribute.Key("dp.service.name")
	AttrTaskID   = attribute.Key("dp.task.id")
	AttrChannel  = attribute.Key("dp.channel.type")
	AttrUserID   = attribute.Key("dp.user.id")
)

// StartDispatchSpan starts a span covering one service dispatch —
// from task creation to its connector.Send call returning.
func StartDispatchSpan(ctx context.Context, tracer trace.Tracer, dialogID, serviceName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentloop.dispatch",
		trace.WithAttributes(AttrDialogID.String(dialogID), AttrService.String(serviceName)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartRegisterSpan starts a span covering one full register_msg
// request/response cycle (spec.md §4.4).
func StartRegisterSpan(ctx context.Context, tracer trace.Tracer, channelType, userID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentloop.register_msg",
		trace.WithAttributes(AttrChannel.String(channelType), AttrUserID.String(userID)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
