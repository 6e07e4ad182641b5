package app

import (
	"context"
	"fmt"
	"runtime"

	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/connector"
)

// BuildConnectors constructs one connector instance per pipeline
// service (never shared, even when two services reference the same
// connector config key — spec.md §4.1). sender/registerBroker are only
// needed when at least one service uses the "broker" kind; pass nil
// for process roles that never dispatch over AMQP.
func BuildConnectors(
	ctx context.Context,
	cfg config.Config,
	serviceNames []string,
	sender connector.ServiceSender,
	registerBroker func(taskUUID string, onResponse connector.OnResponse),
) (map[string]connector.Connector, error) {
	out := make(map[string]connector.Connector, len(serviceNames))

	byName := map[string]string{}
	for _, sc := range cfg.Pipeline {
		byName[sc.Name] = sc.Connector
	}

	for _, serviceName := range serviceNames {
		connName := byName[serviceName]
		if connName == "" {
			continue // service has no dispatch connector (e.g. an annotator fed purely by formatters is still unusual but not an error here)
		}
		cc, ok := cfg.Connectors[connName]
		if !ok {
			return nil, fmt.Errorf("app: service %q references undefined connector %q", serviceName, connName)
		}

		conn, err := buildOne(ctx, serviceName, cc, sender, registerBroker)
		if err != nil {
			return nil, fmt.Errorf("app: service %q: %w", serviceName, err)
		}
		out[serviceName] = conn
	}
	return out, nil
}

func buildOne(
	ctx context.Context,
	serviceName string,
	cc config.ConnectorConfig,
	sender connector.ServiceSender,
	registerBroker func(taskUUID string, onResponse connector.OnResponse),
) (connector.Connector, error) {
	switch cc.Kind {
	case "direct_http":
		if len(cc.URLs) == 0 {
			return nil, fmt.Errorf("direct_http connector requires at least one url")
		}
		return connector.NewDirectHTTP(cc.URLs[0], cc.Timeout), nil
	case "batched_http":
		if len(cc.URLs) == 0 {
			return nil, fmt.Errorf("batched_http connector requires at least one url")
		}
		numWorkers := runtime.NumCPU()
		return connector.NewBatchedHTTP(ctx, cc.URLs, cc.BatchSize, cc.Timeout, numWorkers), nil
	case "broker":
		if sender == nil || registerBroker == nil {
			return nil, fmt.Errorf("broker connector requires an agent gateway (not available to this process role)")
		}
		return connector.Broker{ServiceName: serviceName, Sender: sender, Register: registerBroker}, nil
	case "confidence_selector":
		return connector.ConfidenceSelector{}, nil
	case "predefined_text":
		return connector.PredefinedText{Text: cc.Text}, nil
	case "event_set_output":
		// Responder completion is already detected and signaled by
		// agentloop.Loop.advance once the responder service is marked
		// done; this connector only needs to complete the task.
		return connector.EventSetOutput{}, nil
	default:
		return nil, fmt.Errorf("unknown connector kind %q", cc.Kind)
	}
}
