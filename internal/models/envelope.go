package models

import "encoding/json"

// Push channel message types.
const (
	MessageTaskStatusUpdate = "task-status-update"
	MessageHealthCheck      = "health-check"
	MessageHealthAck        = "health-ack"
)

// Envelope is the single wire shape exchanged over the push channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusUpdate is the payload of a task-status-update envelope.
type StatusUpdate struct {
	TaskID string          `json:"taskId"`
	Status Status          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewStatusEnvelope encodes a status update into an envelope.
func NewStatusEnvelope(u StatusUpdate) ([]byte, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: MessageTaskStatusUpdate, Payload: payload})
}
