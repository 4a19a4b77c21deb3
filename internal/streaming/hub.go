// Package streaming fans run events out to live subscribers: the panel
// SSE endpoints, MCP notifications and the CLI progress display.
package streaming

import "context"

// StreamEvent is a real-time event emitted during a pipeline run.
type StreamEvent struct {
	RunID    string `json:"run_id"`
	Step     string `json:"step,omitempty"`
	Type     string `json:"event_type"`
	Payload  any    `json:"payload,omitempty"`
	Sequence uint64 `json:"sequence"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for real-time run events.
type Hub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan StreamEvent, func(), error)
}
