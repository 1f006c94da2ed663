package v1

import "time"

// FrameTypePing marks keepalive frames on the stream transports. Pings are
// emitted out of band and never appear in a run's event history.
const FrameTypePing = "ping"

// StreamFrame is one frame on the SSE or WebSocket event stream. Event
// frames mirror the run's history entries; ping frames carry only a type
// and timestamp.
type StreamFrame struct {
	ID        string                 `json:"id,omitempty"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Provider  string                 `json:"provider,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
