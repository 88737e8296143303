// Package bus is the message fabric connecting the Brain to sensors, edge
// devices and the task services. Topics follow MQTT conventions
// (office/{zone}/{device_type}/{device_id}[/{channel}]) and subscriptions
// support the MQTT wildcards "+" (one level) and "#" (remainder).
//
// Three implementations exist: MQTTBus for production, RedisBus for
// compose-only environments without a broker, and MemoryBus for tests and
// single-process development.
package bus

import "strings"

// Message is a single bus datagram.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages for a subscription. Handlers may be invoked on a
// transport-owned goroutine; consumers that mutate shared state must hand the
// message off to their own scheduler (see brain.Brain).
type Handler func(msg Message)

// Bus is the publish/subscribe surface shared by all transports.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(filter string, h Handler) error
	Close() error
}

// MatchTopic reports whether an MQTT-style filter matches a concrete topic.
// "+" matches exactly one level, "#" matches the rest of the topic and is
// only valid as the final level.
func MatchTopic(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
