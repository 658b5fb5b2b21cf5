// Package jobstate defines the upload job state machine.
//
// Valid status graph:
//
//	queued ──► generating ──► needs_review ──► scheduled ──► posting ──► posted
//	               │  │                                        │  │
//	               │  └──► failed ◄────────────────────────────┘  │
//	               └─────► needs_reauth ◄─────────────────────────┘
//
// Every non-terminal state may also move to canceled. posted, failed and
// canceled are terminal; a failed job is retried by resubmitting a new job.
package jobstate

import (
	"context"
	"fmt"

	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
)

// Event names a lifecycle trigger
type Event string

const (
	EventGenerationStarted   Event = "generation_started"
	EventGenerationSucceeded Event = "generation_succeeded"
	EventGenerationFailed    Event = "generation_failed"
	EventCredentialsInvalid  Event = "credentials_invalid"
	EventApproved            Event = "approved"
	EventCanceled            Event = "canceled"
	EventPublishDue          Event = "publish_due"
	EventPublishSucceeded    Event = "publish_succeeded"
	EventPublishFailed       Event = "publish_failed"
)

// transitions lists every allowed (from, event) → to edge, except the
// cancel edges which are derived from the terminal set.
var transitions = map[models.JobStatus]map[Event]models.JobStatus{
	models.JobStatusQueued: {
		EventGenerationStarted: models.JobStatusGenerating,
	},
	models.JobStatusGenerating: {
		EventGenerationSucceeded: models.JobStatusNeedsReview,
		EventGenerationFailed:    models.JobStatusFailed,
		EventCredentialsInvalid:  models.JobStatusNeedsReauth,
	},
	models.JobStatusNeedsReview: {
		EventApproved: models.JobStatusScheduled,
	},
	models.JobStatusScheduled: {
		EventPublishDue: models.JobStatusPosting,
	},
	models.JobStatusPosting: {
		EventPublishSucceeded:   models.JobStatusPosted,
		EventPublishFailed:      models.JobStatusFailed,
		EventCredentialsInvalid: models.JobStatusNeedsReauth,
	},
}

var terminal = map[models.JobStatus]bool{
	models.JobStatusPosted:   true,
	models.JobStatusFailed:   true,
	models.JobStatusCanceled: true,
}

// ParseStatus converts a raw string to a JobStatus, returning an error for
// unknown values.
func ParseStatus(s string) (models.JobStatus, error) {
	for _, st := range models.AllJobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transitions leave s
func IsTerminal(s models.JobStatus) bool { return terminal[s] }

// Next returns the target of the (from, event) edge
func Next(from models.JobStatus, event Event) (models.JobStatus, error) {
	if !isKnown(from) {
		return "", fmt.Errorf("unknown job status %q", from)
	}
	if event == EventCanceled {
		if IsTerminal(from) {
			return "", &TransitionError{From: from, Event: event}
		}
		return models.JobStatusCanceled, nil
	}
	to, ok := transitions[from][event]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

func isKnown(s models.JobStatus) bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsTransitionAllowed returns true when some event moves from → to
func IsTransitionAllowed(from, to models.JobStatus) bool {
	if to == models.JobStatusCanceled {
		return isKnown(from) && !IsTerminal(from)
	}
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsPath reports whether statuses is a walk through the graph starting at
// queued
func IsPath(statuses []models.JobStatus) bool {
	if len(statuses) == 0 || statuses[0] != models.JobStatusQueued {
		return false
	}
	for i := 1; i < len(statuses); i++ {
		if !IsTransitionAllowed(statuses[i-1], statuses[i]) {
			return false
		}
	}
	return true
}

// TransitionError is returned for an edge the graph does not contain
type TransitionError struct {
	From  models.JobStatus
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s not allowed from status %s", e.Event, e.From)
}

// Updater is the compare-and-swap write the machine needs from the store
type Updater interface {
	UpdateJobIfStatus(ctx context.Context, id uint, expected models.JobStatus, upd storage.JobUpdate) error
}

// Apply validates the (from, event) edge and writes it only if the stored
// status still equals from. A lost race surfaces as
// storage.ErrPreconditionFailed and leaves the job untouched.
func Apply(ctx context.Context, u Updater, jobID uint, from models.JobStatus, event Event, upd storage.JobUpdate) (models.JobStatus, error) {
	to, err := Next(from, event)
	if err != nil {
		return "", err
	}
	upd.Status = to
	if err := u.UpdateJobIfStatus(ctx, jobID, from, upd); err != nil {
		return "", err
	}
	return to, nil
}
