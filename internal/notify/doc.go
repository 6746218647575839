// Package notify carries the two events the scoring core emits and relays
// them to whoever listens.
//
// Bus is an in-process fan-out with non-blocking publish: a slow subscriber
// loses events rather than stalling a collector run or a recomputation.
//
// Hub (hub.go) relays every event to WebSocket clients connected at
// /ws/stream, sending the current composite scores on connect. Relay
// (webhook.go) posts events to Slack, Teams or plain HTTP endpoints.
//
// Message format sent to WebSocket clients and generic HTTP webhooks:
//
//	{
//	  "event": "InstanceScoreUpdated" | "CollectorRunCompleted",
//	  "data":  { ... }
//	}
package notify
