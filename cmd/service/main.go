// Command service hosts one processing-service instance behind the
// broker transport (spec.md §6 "Process model", §4.5 "Service <S>
// instance <i>"): it receives batched service_task envelopes, runs a
// local ServiceCaller over the batch, and publishes one
// service_response per task. The ServiceCaller here is a stub —
// production deployments replace it with whatever the service
// actually does (an annotator, a skill selector, an NLU model) while
// keeping the same broker.ServiceGateway plumbing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/dp-orchestrator/internal/broker"
	"github.com/basket/dp-orchestrator/internal/config"
	"github.com/basket/dp-orchestrator/internal/telemetry"
	"github.com/basket/dp-orchestrator/internal/transport"
)

func main() {
	var (
		serviceName = flag.String("service", "", "service name this instance serves (required)")
		instanceID  = flag.String("instance", "", "instance id (defaults to hostname)")
		batchSize   = flag.Int("batch-size", 1, "number of tasks to accumulate before running one inference call")
		timeout     = flag.Duration("timeout", 10*time.Second, "per-batch inference timeout")
		namespace   = flag.String("namespace", "dp-orchestrator", "broker namespace shared with the agent")
		host        = flag.String("broker-host", "localhost", "broker host")
		port        = flag.Int("broker-port", 5672, "broker port")
		login       = flag.String("broker-login", "guest", "broker login")
		password    = flag.String("broker-password", "guest", "broker password")
		vhost       = flag.String("broker-vhost", "/", "broker virtual host")
		responseTTL = flag.Duration("response-timeout", 10*time.Second, "message TTL published on every response")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *serviceName == "" {
		fmt.Fprintln(os.Stderr, "service: -service is required")
		os.Exit(2)
	}
	if *instanceID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			*instanceID = host
		} else {
			*instanceID = "instance-1"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closer, err := telemetry.NewLogger(config.HomeDir(), *logLevel, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "service: init logger:", err)
		os.Exit(1)
	}
	defer closer.Close()

	brokerCfg := broker.Config{
		Host:            *host,
		Port:            *port,
		Login:           *login,
		Password:        *password,
		VirtualHost:     *vhost,
		Namespace:       *namespace,
		ResponseTimeout: *responseTTL,
	}

	gw := broker.NewServiceGateway(brokerCfg, logger, *serviceName, *instanceID, *batchSize, *timeout, stubInference)
	if err := gw.Connect(ctx); err != nil {
		logger.Error("service: connect failed", "error", err)
		os.Exit(1)
	}

	logger.Info("service: connected", "service", *serviceName, "instance", *instanceID, "batch_size", *batchSize)
	<-ctx.Done()
	logger.Info("service: shutdown signal received")
}

// stubInference is a placeholder ServiceCaller: it annotates every
// task's payload with a fixed-confidence hypothesis so the pipeline
// has something to select between during manual testing. A real
// deployment supplies its own ServiceCaller to broker.NewServiceGateway
// in its place.
func stubInference(ctx context.Context, tasks []transport.ServiceTask) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(tasks))
	for i, task := range tasks {
		var payload any
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			payload = string(task.Payload)
		}
		resp, err := json.Marshal(map[string]any{
			"text":       fmt.Sprintf("stub response to %v", payload),
			"confidence": 0.5,
		})
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}
