package models

// JobStatus is the lifecycle state of a booking job. Statuses only ever move
// forward along the workflow; the two failure states are reachable from any
// non-terminal status and terminal statuses accept no further transitions.
type JobStatus string

const (
	StatusPending        JobStatus = "pending"
	StatusRunning        JobStatus = "running"
	StatusQRWaiting      JobStatus = "qr_waiting"
	StatusAuthenticating JobStatus = "authenticating"
	StatusConfiguring    JobStatus = "configuring"
	StatusSearching      JobStatus = "searching"
	StatusBooking        JobStatus = "booking"
	StatusCompleted      JobStatus = "completed"
	StatusFailed         JobStatus = "failed"
	StatusCancelled      JobStatus = "cancelled"
)

// validTransitions is the forward edge set of the workflow. RUNNING branches
// because an already-authenticated session skips the QR handshake.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending:        {StatusRunning},
	StatusRunning:        {StatusQRWaiting, StatusConfiguring},
	StatusQRWaiting:      {StatusAuthenticating},
	StatusAuthenticating: {StatusConfiguring},
	StatusConfiguring:    {StatusSearching},
	StatusSearching:      {StatusBooking},
	StatusBooking:        {StatusCompleted},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
// FAILED and CANCELLED are reachable from every non-terminal status, and
// every non-terminal status accepts a self-edge so a fresh QR code or a
// new per-location search message can refresh the record without moving
// it forward.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == s || next == StatusFailed || next == StatusCancelled {
		return true
	}
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a final status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// progressByStatus maps each working status to its percentage. FAILED and
// CANCELLED are absent on purpose so a job keeps the progress it had reached.
var progressByStatus = map[JobStatus]float64{
	StatusPending:        0,
	StatusRunning:        10,
	StatusQRWaiting:      25,
	StatusAuthenticating: 40,
	StatusConfiguring:    60,
	StatusSearching:      75,
	StatusBooking:        90,
	StatusCompleted:      100,
}

// Progress returns the percentage associated with s, or -1 when the status
// carries no progress of its own (failure states keep the last value).
func (s JobStatus) Progress() float64 {
	if p, ok := progressByStatus[s]; ok {
		return p
	}
	return -1
}

// String implements fmt.Stringer.
func (s JobStatus) String() string { return string(s) }
