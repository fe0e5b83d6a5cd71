package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookEnvelope is the wire format posted to consumer webhook endpoints.
// The HMAC signature is computed over the exact JSON bytes sent.
type WebhookEnvelope struct {
	EventType string          `json:"event_type"`
	JobID     uuid.UUID       `json:"job_id"`
	UserID    string          `json:"user_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewWebhookEnvelope wraps a notification payload for outbound delivery.
func NewWebhookEnvelope(userID string, p *NotificationPayload) *WebhookEnvelope {
	return &WebhookEnvelope{
		EventType: string(p.Kind),
		JobID:     p.JobID,
		UserID:    userID,
		Timestamp: p.Timestamp,
		Data:      p.Content,
	}
}
