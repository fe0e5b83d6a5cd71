// Package notify fans job progress out to live connections, webhook
// consumers and the state store.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/internal/webhook"
	"github.com/provbot/provbot/pkg/models"
)

// LiveConn is a live duplex connection attached to a job. Send must honor
// the context deadline; a slow or dead consumer returns an error instead
// of blocking.
type LiveConn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Dispatcher delivers notification payloads per job: best-effort live
// push, asynchronous webhook delivery, and a write-through of the latest
// payload for HTTP-poll fallback. Unchanged payloads (same content hash)
// are suppressed on both push channels but keep the stored copy's TTL
// fresh.
type Dispatcher struct {
	store       store.Store
	client      *webhook.Client
	notifyTTL   time.Duration
	pushTimeout time.Duration

	mu       sync.Mutex
	conns    map[uuid.UUID]LiveConn
	lastHash map[uuid.UUID]string
	queues   map[uuid.UUID]*jobQueue

	inflight chan struct{}
	wg       sync.WaitGroup
}

// jobQueue is a capacity-1 mailbox feeding one delivery worker, so
// webhook deliveries for a job stay in publish order and a newer payload
// supersedes one that has not started sending yet.
type jobQueue struct {
	ch     chan *models.WebhookEnvelope
	closed bool
}

// NewDispatcher creates a Dispatcher. maxInFlight bounds concurrent
// webhook deliveries across all jobs.
func NewDispatcher(s store.Store, client *webhook.Client, notifyTTL, pushTimeout time.Duration, maxInFlight int) *Dispatcher {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Dispatcher{
		store:       s,
		client:      client,
		notifyTTL:   notifyTTL,
		pushTimeout: pushTimeout,
		conns:       make(map[uuid.UUID]LiveConn),
		lastHash:    make(map[uuid.UUID]string),
		queues:      make(map[uuid.UUID]*jobQueue),
		inflight:    make(chan struct{}, maxInFlight),
	}
}

// Publish delivers p for job. At any instant a job has a single publisher
// (its executor, or whichever writer won the terminal CAS); callers must
// check the job is not already terminal before publishing anything but the
// final notification, so per-job payloads reach every channel in publish
// order. A failure on one channel never aborts the others; the returned
// error is the store write's, the only delivery the caller can act on.
func (d *Dispatcher) Publish(ctx context.Context, job *models.Job, p *models.NotificationPayload) error {
	d.mu.Lock()
	if d.lastHash[job.ID] == p.ContentHash {
		d.mu.Unlock()
		// Duplicate content: no re-delivery, but keep the poll
		// fallback warm.
		if err := d.store.TouchNotification(ctx, job.ID, d.notifyTTL); err != nil && err != store.ErrNotFound {
			slog.Warn("failed to refresh notification TTL", "job_id", job.ID, "error", err)
		}
		return nil
	}
	d.lastHash[job.ID] = p.ContentHash
	conn := d.conns[job.ID]
	d.mu.Unlock()

	if conn != nil {
		d.push(job.ID, conn, p)
	}

	if job.Config.WebhookURL != "" {
		d.enqueue(job, p)
	}

	if err := d.store.SaveNotification(ctx, p, d.notifyTTL); err != nil {
		return err
	}
	return nil
}

// push sends to the live connection with a hard deadline. Dead consumers
// are detached so they cannot slow the next publish.
func (d *Dispatcher) push(jobID uuid.UUID, conn LiveConn, p *models.NotificationPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to marshal live payload", "job_id", jobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.pushTimeout)
	defer cancel()

	if err := conn.Send(ctx, data); err != nil {
		slog.Warn("live push failed, detaching connection", "job_id", jobID, "error", err)
		d.Detach(jobID, conn)
	}
}

func (d *Dispatcher) enqueue(job *models.Job, p *models.NotificationPayload) {
	env := models.NewWebhookEnvelope(job.UserID, p)

	d.mu.Lock()
	q, ok := d.queues[job.ID]
	if !ok || q.closed {
		q = &jobQueue{ch: make(chan *models.WebhookEnvelope, 1)}
		d.queues[job.ID] = q
		d.wg.Add(1)
		go d.deliverLoop(job.ID, job.Config.WebhookURL, q)
	}

	select {
	case q.ch <- env:
	default:
		// Mailbox full: the queued payload is superseded by this one.
		select {
		case dropped := <-q.ch:
			slog.Info("webhook payload superseded before delivery",
				"job_id", job.ID, "event_type", dropped.EventType)
		default:
		}
		select {
		case q.ch <- env:
		default:
			slog.Warn("webhook payload dropped, delivery queue busy", "job_id", job.ID)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) deliverLoop(jobID uuid.UUID, url string, q *jobQueue) {
	defer d.wg.Done()
	for env := range q.ch {
		d.inflight <- struct{}{}
		res := d.client.Deliver(context.Background(), url, env)
		<-d.inflight

		if !res.Success {
			slog.Warn("webhook delivery unsuccessful",
				"job_id", jobID,
				"event_type", env.EventType,
				"attempts", len(res.Attempts),
				"retries_exhausted", res.RetriesExhausted,
			)
		}
	}
}

// Attach binds a live connection to a job, replacing (and closing) any
// previous one.
func (d *Dispatcher) Attach(jobID uuid.UUID, conn LiveConn) {
	d.mu.Lock()
	prev := d.conns[jobID]
	d.conns[jobID] = conn
	d.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	slog.Info("live connection attached", "job_id", jobID)
}

// Detach removes conn if it is still the one bound to jobID. A stale
// detach (after a replacement attached) is a no-op.
func (d *Dispatcher) Detach(jobID uuid.UUID, conn LiveConn) {
	d.mu.Lock()
	current, ok := d.conns[jobID]
	if ok && current == conn {
		delete(d.conns, jobID)
	} else {
		ok = false
	}
	d.mu.Unlock()

	if ok {
		conn.Close()
		slog.Info("live connection detached", "job_id", jobID)
	}
}

// LiveConnections returns the number of attached live connections.
func (d *Dispatcher) LiveConnections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// CloseJob releases per-job dispatcher state after the final notification
// has been published: the delivery worker drains whatever is queued and
// exits, the dedup hash is forgotten, and any live connection is closed.
func (d *Dispatcher) CloseJob(jobID uuid.UUID) {
	d.mu.Lock()
	delete(d.lastHash, jobID)
	q := d.queues[jobID]
	if q != nil && !q.closed {
		q.closed = true
		close(q.ch)
	}
	delete(d.queues, jobID)
	conn := d.conns[jobID]
	delete(d.conns, jobID)
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close drains all delivery queues and waits for outstanding webhook
// deliveries to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for id, q := range d.queues {
		if !q.closed {
			q.closed = true
			close(q.ch)
		}
		delete(d.queues, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
