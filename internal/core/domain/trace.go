package domain

import "time"

// TraceRecord is an advisory after-the-fact account of one terminal job.
// The workspace remains the source of truth; traces exist for inspection
// and are never read back to drive scheduling.
type TraceRecord struct {
	ID          JobID
	Status      Status
	JobType     JobType
	Worker      int
	Incarnation string
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// Duration is the wall time the job spent in processing.
func (t TraceRecord) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}
