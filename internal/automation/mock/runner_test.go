package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() models.JobContext {
	return models.JobContext{
		JobID:  uuid.New(),
		UserID: "user-1",
		Config: models.BookingConfig{
			UserID:      "user-1",
			LicenseType: "B",
			ExamType:    "Körprov",
			Locations:   []string{"Stockholm", "Uppsala"},
			DateFrom:    "2026-09-01",
			BrowserKind: "chromium",
		},
	}
}

func TestRunner_HappyPathAllPhases(t *testing.T) {
	r := NewRunner(0)
	jc := testContext()

	for _, phase := range models.Phases() {
		res := r.RunPhase(context.Background(), phase, jc)
		require.True(t, res.Success, "phase %s should succeed", phase)
		require.NoError(t, res.Err)
	}
}

func TestRunner_AuthenticateEmitsQRFrames(t *testing.T) {
	r := NewRunner(0)
	jc := testContext()

	var frames [][]byte
	var refs []string
	var statuses []models.JobStatus
	jc.Callbacks = models.Callbacks{
		OnProgress: func(status models.JobStatus, _ string) {
			statuses = append(statuses, status)
		},
		OnQRFrame: func(image []byte, authRef string) {
			frames = append(frames, image)
			refs = append(refs, authRef)
		},
	}

	res := r.RunPhase(context.Background(), models.PhaseAuthenticate, jc)
	require.True(t, res.Success)

	require.Len(t, frames, qrFrameCount)
	assert.NotEqual(t, frames[0], frames[1], "each frame must be a fresh code")
	assert.Equal(t, refs[0], refs[1], "frames belong to the same handshake")
	assert.Contains(t, statuses, models.StatusQRWaiting)
	assert.Equal(t, models.StatusAuthenticating, statuses[len(statuses)-1])
}

func TestRunner_SearchReportsEveryLocation(t *testing.T) {
	r := NewRunner(0)
	jc := testContext()

	var messages []string
	jc.Callbacks.OnProgress = func(_ models.JobStatus, msg string) {
		messages = append(messages, msg)
	}

	res := r.RunPhase(context.Background(), models.PhaseSearch, jc)
	require.True(t, res.Success)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0], "Stockholm")
	assert.Contains(t, messages[1], "Uppsala")
}

func TestRunner_BookReturnsResult(t *testing.T) {
	r := NewRunner(0)
	jc := testContext()

	res := r.RunPhase(context.Background(), models.PhaseBook, jc)
	require.True(t, res.Success)
	require.NotNil(t, res.Result)
	assert.Equal(t, "Stockholm", res.Result.Location)
	assert.Equal(t, "2026-09-01", res.Result.TestDate)
	assert.NotEmpty(t, res.Result.BookingID)
	assert.NotEmpty(t, res.Result.ConfirmationCode)
}

func TestRunner_CancelledContextAborts(t *testing.T) {
	r := NewRunner(10 * time.Millisecond)
	jc := testContext()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.RunPhase(ctx, models.PhaseAuthenticate, jc)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.False(t, res.Retryable)
}

func TestRunner_UnknownPhase(t *testing.T) {
	r := NewRunner(0)

	res := r.RunPhase(context.Background(), models.Phase("teardown"), testContext())
	require.False(t, res.Success)
	assert.Equal(t, models.CategoryUnexpected, res.Category)
}

func TestNewFailingRunner_FailsOnlyTargetPhase(t *testing.T) {
	want := models.PhaseFailed(models.CategoryBooking, true, errors.New("slot taken"))
	r := NewFailingRunner(models.PhaseBook, want)
	jc := testContext()

	require.True(t, r.RunPhase(context.Background(), models.PhaseSearch, jc).Success)

	res := r.RunPhase(context.Background(), models.PhaseBook, jc)
	require.False(t, res.Success)
	assert.True(t, res.Retryable)
	assert.Equal(t, models.CategoryBooking, res.Category)
}

func TestCannedFailureRunners(t *testing.T) {
	tests := []struct {
		name          string
		runner        *Runner
		phase         models.Phase
		wantCategory  models.ErrorCategory
		wantRetryable bool
		wantErr       error
	}{
		{"crashing runner", NewCrashingRunner(models.PhaseConfigure), models.PhaseConfigure,
			models.CategoryBrowser, true, ErrBrowserCrashed},
		{"auth timeout runner", NewAuthTimeoutRunner(), models.PhaseAuthenticate,
			models.CategoryAuth, false, ErrAuthTimeout},
		{"no slots runner", NewNoSlotsRunner(), models.PhaseSearch,
			models.CategoryBooking, true, ErrSlotUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.runner.RunPhase(context.Background(), tt.phase, testContext())
			require.False(t, res.Success)
			assert.Equal(t, tt.wantCategory, res.Category)
			assert.Equal(t, tt.wantRetryable, res.Retryable)
			assert.ErrorIs(t, res.Err, tt.wantErr)
		})
	}
}

func TestNewBlockingRunner_UnblocksOnCancel(t *testing.T) {
	r := NewBlockingRunner()
	jc := testContext()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan models.PhaseResult, 1)
	go func() { done <- r.RunPhase(ctx, models.PhaseAuthenticate, jc) }()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("blocking runner never observed cancellation")
	}
}
