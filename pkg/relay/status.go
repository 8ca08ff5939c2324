package relay

import "time"

// EndpointStatus is a point-in-time view of one relay endpoint.
// Only the Pool mutates endpoint state; callers receive copies.
type EndpointStatus struct {
	URL         string    `json:"url"`
	Connected   bool      `json:"connected"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastAck     time.Time `json:"last_ack,omitempty"`
}

// Receipt summarizes a fan-out publish.
type Receipt struct {
	EventID  string           `json:"event_id"`
	Accepted []string         `json:"accepted"`
	Failed   map[string]error `json:"-"`
}
