package observability

import "time"

const (
	RoutingKeyWSEvents   = "ws_events.chat"
	RoutingKeyChatEvents = "chat_events.message_persisted"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEvent describes one connection lifecycle event.
type WSEvent struct {
	Event       string
	ConnID      string
	Username    string
	Role        string
	IP          string
	ConnectedAt time.Time
	Reason      string
}

// Envelope renders the event in the ws_events schema.
func (e WSEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		EventType: "ws_events",
		EventName: e.Event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "chat",
				"event":       e.Event,
				"conn_id":     e.ConnID,
				"duration_ms": time.Since(e.ConnectedAt).Milliseconds(),
				"reason":      e.Reason,
			},
			"identity": map[string]interface{}{
				"username": e.Username,
				"role":     e.Role,
				"ip":       e.IP,
			},
		},
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
