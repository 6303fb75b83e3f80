// Package sinks implements event consumers: structured logging, Prometheus,
// HTTP webhooks, Pub/Sub, Kafka and Redis streams. Each sink satisfies
// events.Sink.
package sinks
