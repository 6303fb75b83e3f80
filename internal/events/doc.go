// Package events carries job lifecycle notifications from the queue to the
// outside world. The queue only sees the Listener interface; Hub batches
// notifications on a background goroutine and fans them out to sinks such as
// webhooks, Pub/Sub, Kafka or a Redis stream.
package events
