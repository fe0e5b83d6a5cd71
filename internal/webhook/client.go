// Package webhook delivers signed notification payloads to consumer
// endpoints with retry and backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/provbot/provbot/pkg/models"
)

// Sentinel errors for delivery failures.
var (
	// ErrClientRejected marks a 4xx response: the request itself is wrong
	// and retrying cannot help.
	ErrClientRejected = errors.New("webhook rejected by consumer")
	// ErrServerError marks a 5xx response.
	ErrServerError = errors.New("webhook consumer server error")
	// ErrUnreachable marks a network or timeout failure.
	ErrUnreachable = errors.New("webhook endpoint unreachable")
)

// Attempt records one delivery try within a single Deliver call.
type Attempt struct {
	Number     int
	StatusCode int
	Backoff    time.Duration
	Err        error
}

// DeliveryResult is the outcome of a Deliver call.
type DeliveryResult struct {
	Success          bool
	StatusCode       int
	Attempts         []Attempt
	RetriesExhausted bool
	Err              error
}

// Client performs signed, retried webhook delivery. Safe for concurrent
// use.
type Client struct {
	httpClient  *http.Client
	secret      string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	userAgent   string
}

// NewClient creates a webhook client. maxAttempts is the total number of
// tries per delivery; baseDelay seeds the exponential backoff, capped at
// 30s between tries.
func NewClient(secret string, timeout time.Duration, maxAttempts int, baseDelay time.Duration) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		secret:      secret,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    30 * time.Second,
		userAgent:   "provbot/1.0",
	}
}

// Deliver serializes the envelope once, signs the exact bytes sent, and
// posts them to url. 2xx stops with success; 4xx stops immediately as a
// permanent failure; 5xx and network errors retry with exponential backoff
// until the attempt budget is spent. Deliver never panics and never blocks
// beyond its retry schedule; callers run it off the job's critical path.
func (c *Client) Deliver(ctx context.Context, url string, env *models.WebhookEnvelope) DeliveryResult {
	body, err := json.Marshal(env)
	if err != nil {
		return DeliveryResult{Err: fmt.Errorf("marshaling webhook envelope: %w", err)}
	}
	signature := Sign(body, c.secret)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.Multiplier = 2
	bo.MaxInterval = c.maxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1))
	policy = backoff.WithContext(policy, ctx)

	result := DeliveryResult{}
	op := func() error {
		n := len(result.Attempts) + 1
		status, attemptErr := c.post(ctx, url, body, signature, env.EventType)
		result.Attempts = append(result.Attempts, Attempt{Number: n, StatusCode: status, Err: attemptErr})
		result.StatusCode = status

		slog.Info("webhook delivery attempt",
			"url", url,
			"event_type", env.EventType,
			"job_id", env.JobID,
			"attempt", n,
			"status", status,
			"error", attemptErr,
		)

		if attemptErr == nil {
			return nil
		}
		if errors.Is(attemptErr, ErrClientRejected) {
			return backoff.Permanent(attemptErr)
		}
		return attemptErr
	}

	notify := func(err error, delay time.Duration) {
		// Record the pause that follows the attempt just made.
		result.Attempts[len(result.Attempts)-1].Backoff = delay
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		result.Err = err
		if !errors.Is(err, ErrClientRejected) {
			result.RetriesExhausted = len(result.Attempts) >= c.maxAttempts
		}
		slog.Error("webhook delivery failed",
			"url", url,
			"job_id", env.JobID,
			"attempts", len(result.Attempts),
			"retries_exhausted", result.RetriesExhausted,
			"error", err,
		)
		return result
	}

	result.Success = true
	return result
}

func (c *Client) post(ctx context.Context, url string, body []byte, signature, eventType string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: building request: %v", ErrUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Webhook-Event", eventType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrClientRejected, resp.StatusCode)
	default:
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
	}
}

// Sign computes the signature header value for the exact payload bytes.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound signature header against the payload
// using a constant-time comparison.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
