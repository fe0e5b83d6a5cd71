package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationKind classifies a progress update.
type NotificationKind string

const (
	NotifyStatusUpdate NotificationKind = "status_update"
	NotifyQRUpdate     NotificationKind = "qr_update"
	NotifyCompletion   NotificationKind = "completion"
)

// NotificationPayload is a transient progress update. Only the latest
// payload per job is stored, with a short TTL, for HTTP-poll fallback.
type NotificationPayload struct {
	JobID       uuid.UUID        `json:"job_id"`
	Kind        NotificationKind `json:"kind"`
	Content     json.RawMessage  `json:"content"`
	ContentHash string           `json:"content_hash"`
	Timestamp   time.Time        `json:"timestamp"`
}

// NewNotification serializes content and stamps the payload with a
// SHA-256 hash of the serialized bytes, used downstream to suppress
// duplicate deliveries.
func NewNotification(jobID uuid.UUID, kind NotificationKind, content any) (*NotificationPayload, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshaling notification content: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &NotificationPayload{
		JobID:       jobID,
		Kind:        kind,
		Content:     raw,
		ContentHash: hex.EncodeToString(sum[:]),
		Timestamp:   time.Now().UTC(),
	}, nil
}

// StatusContent is the content body of a status_update notification.
type StatusContent struct {
	Status   JobStatus `json:"status"`
	Message  string    `json:"message"`
	Progress float64   `json:"progress"`
}

// QRContent is the content body of a qr_update notification. Image is the
// base64-encoded QR frame; AuthRef identifies the authentication attempt
// the frame belongs to.
type QRContent struct {
	Image     string `json:"image"`
	AuthRef   string `json:"auth_ref,omitempty"`
	ExpiresIn int    `json:"expires_in"`
}

// CompletionContent is the content body of a completion notification.
type CompletionContent struct {
	Success bool           `json:"success"`
	Status  JobStatus      `json:"status"`
	Message string         `json:"message"`
	Result  *BookingResult `json:"result,omitempty"`
	Error   *JobError      `json:"error,omitempty"`
}
