package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/internal/notify"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/internal/webhook"
	"github.com/provbot/provbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "dispatcher-test-secret"

// fakeConn is a scripted LiveConn.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	block  bool
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// countingStore counts notification writes and TTL refreshes.
type countingStore struct {
	store.Store
	mu      sync.Mutex
	saves   int
	touches int
}

func (s *countingStore) SaveNotification(ctx context.Context, p *models.NotificationPayload, ttl time.Duration) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.Store.SaveNotification(ctx, p, ttl)
}

func (s *countingStore) TouchNotification(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
	return s.Store.TouchNotification(ctx, jobID, ttl)
}

func (s *countingStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.touches
}

func testJob(webhookURL string) *models.Job {
	return models.NewJob(models.BookingConfig{
		UserID:      "user-1",
		LicenseType: "B",
		ExamType:    "Körprov",
		Locations:   []string{"Stockholm"},
		BrowserKind: "chromium",
		WebhookURL:  webhookURL,
	})
}

func newDispatcher(s store.Store, pushTimeout time.Duration) *notify.Dispatcher {
	client := webhook.NewClient(testSecret, time.Second, 1, time.Millisecond)
	return notify.NewDispatcher(s, client, 180*time.Second, pushTimeout, 4)
}

func statusPayload(t *testing.T, jobID uuid.UUID, status models.JobStatus, msg string) *models.NotificationPayload {
	t.Helper()
	p, err := models.NewNotification(jobID, models.NotifyStatusUpdate,
		models.StatusContent{Status: status, Message: msg, Progress: status.Progress()})
	require.NoError(t, err)
	return p
}

func TestPublish_LivePushAndStoreWrite(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, time.Second)
	defer d.Close()

	job := testJob("")
	conn := &fakeConn{}
	d.Attach(job.ID, conn)

	p := statusPayload(t, job.ID, models.StatusRunning, "started")
	require.NoError(t, d.Publish(context.Background(), job, p))

	assert.Equal(t, 1, conn.sentCount())

	stored, err := cs.GetNotification(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ContentHash, stored.ContentHash)
}

func TestPublish_DuplicateHashSuppressed(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, time.Second)
	defer d.Close()

	job := testJob("")
	conn := &fakeConn{}
	d.Attach(job.ID, conn)

	p1 := statusPayload(t, job.ID, models.StatusSearching, "scanning")
	p2 := statusPayload(t, job.ID, models.StatusSearching, "scanning")
	require.Equal(t, p1.ContentHash, p2.ContentHash)

	require.NoError(t, d.Publish(context.Background(), job, p1))
	require.NoError(t, d.Publish(context.Background(), job, p2))

	saves, touches := cs.counts()
	assert.Equal(t, 1, conn.sentCount(), "duplicate content must not re-push")
	assert.Equal(t, 1, saves, "duplicate content must not rewrite the store")
	assert.Equal(t, 1, touches, "duplicate content must refresh the TTL")
}

func TestPublish_ChangedContentDelivered(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, time.Second)
	defer d.Close()

	job := testJob("")
	conn := &fakeConn{}
	d.Attach(job.ID, conn)

	require.NoError(t, d.Publish(context.Background(), job, statusPayload(t, job.ID, models.StatusRunning, "started")))
	require.NoError(t, d.Publish(context.Background(), job, statusPayload(t, job.ID, models.StatusSearching, "scanning")))

	require.Equal(t, 2, conn.sentCount())

	// Per-job publish order is preserved on the live channel.
	var first, second models.NotificationPayload
	require.NoError(t, json.Unmarshal(conn.sent[0], &first))
	require.NoError(t, json.Unmarshal(conn.sent[1], &second))

	var c1, c2 models.StatusContent
	require.NoError(t, json.Unmarshal(first.Content, &c1))
	require.NoError(t, json.Unmarshal(second.Content, &c2))
	assert.Equal(t, models.StatusRunning, c1.Status)
	assert.Equal(t, models.StatusSearching, c2.Status)
}

func TestPublish_SlowConnectionDoesNotStall(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, 50*time.Millisecond)
	defer d.Close()

	job := testJob("")
	conn := &fakeConn{block: true}
	d.Attach(job.ID, conn)

	start := time.Now()
	require.NoError(t, d.Publish(context.Background(), job, statusPayload(t, job.ID, models.StatusRunning, "started")))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "a dead consumer must not stall publishing")
	assert.Equal(t, 0, d.LiveConnections(), "dead connection must be detached")
}

func TestPublish_WebhookDelivery(t *testing.T) {
	received := make(chan []byte, 4)
	var sigs sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sigs.Store(string(body), r.Header.Get("X-Webhook-Signature"))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, time.Second)

	job := testJob(srv.URL)
	require.NoError(t, d.Publish(context.Background(), job, statusPayload(t, job.ID, models.StatusRunning, "started")))

	select {
	case body := <-received:
		var env models.WebhookEnvelope
		require.NoError(t, json.Unmarshal(body, &env))
		assert.Equal(t, "status_update", env.EventType)
		assert.Equal(t, job.ID, env.JobID)
		assert.Equal(t, "user-1", env.UserID)

		sig, _ := sigs.Load(string(body))
		assert.True(t, webhook.VerifySignature(body, sig.(string), testSecret))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}

	d.Close()
}

func TestPublish_NewerPayloadSupersedesQueued(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env models.WebhookEnvelope
		_ = json.Unmarshal(body, &env)
		var content models.StatusContent
		_ = json.Unmarshal(env.Data, &content)
		mu.Lock()
		events = append(events, content.Message)
		mu.Unlock()
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, time.Second)

	job := testJob(srv.URL)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, job, statusPayload(t, job.ID, models.StatusRunning, "first")))

	// Wait for the worker to start sending "first" so the next two race
	// for the single queue slot.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Publish(ctx, job, statusPayload(t, job.ID, models.StatusQRWaiting, "second")))
	require.NoError(t, d.Publish(ctx, job, statusPayload(t, job.ID, models.StatusAuthenticating, "third")))

	close(release)
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, events,
		"the queued-but-not-started payload must be superseded by the newer one")
}

func TestCloseJob_DrainsPendingDelivery(t *testing.T) {
	received := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var env models.WebhookEnvelope
		_ = json.Unmarshal(body, &env)
		received <- env.EventType
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cs := &countingStore{Store: store.NewMemoryStore()}
	d := newDispatcher(cs, time.Second)

	job := testJob(srv.URL)
	p, err := models.NewNotification(job.ID, models.NotifyCompletion,
		models.CompletionContent{Success: true, Status: models.StatusCompleted})
	require.NoError(t, err)
	require.NoError(t, d.Publish(context.Background(), job, p))

	d.CloseJob(job.ID)
	d.Close()

	select {
	case et := <-received:
		assert.Equal(t, "completion", et)
	case <-time.After(2 * time.Second):
		t.Fatal("final payload was lost on CloseJob")
	}
}

func TestAttach_ReplacesPreviousConnection(t *testing.T) {
	d := newDispatcher(store.NewMemoryStore(), time.Second)
	defer d.Close()

	jobID := uuid.New()
	old := &fakeConn{}
	d.Attach(jobID, old)
	d.Attach(jobID, &fakeConn{})

	assert.True(t, old.closed)
	assert.Equal(t, 1, d.LiveConnections())
}

func TestDetach_StaleConnIsNoOp(t *testing.T) {
	d := newDispatcher(store.NewMemoryStore(), time.Second)
	defer d.Close()

	jobID := uuid.New()
	old := &fakeConn{}
	replacement := &fakeConn{}
	d.Attach(jobID, old)
	d.Attach(jobID, replacement)

	// The old connection's read loop detaching late must not remove the
	// replacement.
	d.Detach(jobID, old)
	assert.Equal(t, 1, d.LiveConnections())

	d.Detach(jobID, replacement)
	assert.Equal(t, 0, d.LiveConnections())
}
