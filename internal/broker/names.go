// Package broker implements the AMQP091-backed agent/service/channel
// gateways described in spec.md §4.5: topic exchanges, a routing-key
// scheme keyed by destination type, durable queues, and service-side
// batching with competing consumers.
//
// Topology and routing-key naming are grounded on
// _examples/original_source/deeppavlov_agent/core/transport/connectors/rabbitmq.py;
// the Go client usage (Dial/Channel/Qos/Consume/manual ack-reject) is
// grounded on the idiomatic amqp091-go pattern shown in
// other_examples/74da6096_sadewadee-google-scraper__internal-mq-consumer.go.go.
package broker

import "fmt"

func inExchange(namespace string) string  { return namespace + "_e_in" }
func outExchange(namespace string) string { return namespace + "_e_out" }

func agentQueue(namespace, agentName string) string {
	return fmt.Sprintf("%s_q_agent_%s", namespace, agentName)
}

func agentRoutingKey(agentName string) string {
	return fmt.Sprintf("agent.%s", agentName)
}

func serviceQueue(namespace, serviceName string) string {
	return fmt.Sprintf("%s_q_service_%s", namespace, serviceName)
}

func serviceAnyRoutingKey(serviceName string) string {
	return fmt.Sprintf("service.%s.any", serviceName)
}

func serviceInstanceRoutingKey(serviceName, instanceID string) string {
	return fmt.Sprintf("service.%s.instance.%s", serviceName, instanceID)
}

func channelQueue(namespace, agentName, channelID string) string {
	return fmt.Sprintf("%s_%s_q_channel_%s", namespace, agentName, channelID)
}

func channelRoutingKey(agentName, channelID string) string {
	return fmt.Sprintf("agent.%s.channel.%s.any", agentName, channelID)
}
