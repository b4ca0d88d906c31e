// Package jobs drives the lifecycle of asynchronous mockup-generation jobs
// and the credit reservations they hold.
//
// A job reserves its estimated credits before the job record exists, works
// through Queued → Processing → {Completed | Failed}, and settles the
// reservation on the terminal edge: over-reservations are credited back on
// completion, and the full reservation is refunded when a job exhausts its
// retry budget. Every reserved credit is therefore accounted for by exactly
// one of: still-reserved (job non-terminal), consumed (Completed), or
// refunded (terminal Failed).
//
// Transition legality is enforced hard. An illegal edge, and in particular
// any edge out of a terminal state, is a correctness bug in the caller; it
// fails with InvalidTransitionError and is logged loudly, never coerced.
//
// Workers hold a time-bounded lease while Processing. A worker that dies
// stops heartbeating, the lease expires, and the sweeper reclaims the job
// so its reservation is never held forever.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Spec describes what to generate. The fields mirror what the request
// handler collects from the user; the machine treats them as opaque.
type Spec struct {
	TemplateID string            `json:"template_id"`
	SceneCount int               `json:"scene_count"`
	Options    map[string]string `json:"options,omitempty"`
}

// Job is a unit of asynchronous work. Created only after a successful
// credit reservation; owned exclusively by the Machine.
type Job struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	Spec             Spec       `json:"spec"`
	Status           Status     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"max_attempts"`
	EstimatedCredits int64      `json:"estimated_credits"`
	ActualCredits    *int64     `json:"actual_credits,omitempty"`
	Progress         int        `json:"progress"`
	Result           string     `json:"result,omitempty"`
	Error            string     `json:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
}

// Terminal reports whether no further transitions are accepted. Failed is
// terminal only once the retry budget is spent.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return j.Attempts >= j.MaxAttempts
	default:
		return false
	}
}

// CanRetry reports whether a failed attempt may re-enter the queue.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

var (
	// ErrJobNotFound means the job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition rejects an illegal lifecycle edge.
	ErrInvalidTransition = errors.New("invalid transition")
)

// InvalidTransitionError carries the rejected edge. Unwraps to
// ErrInvalidTransition.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for job %s", e.From, e.To, e.JobID)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
