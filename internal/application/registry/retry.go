package registry

import (
	"errors"
	"time"

	"github.com/rezkam/whim/internal/domain"
)

// FailureClass partitions failures for the retry policy.
type FailureClass int

const (
	// FailureTransient may succeed on retry: store unavailable, child
	// process crash, heartbeat timeout.
	FailureTransient FailureClass = iota
	// FailureTerminal is unrecoverable: auth failure, invalid repo,
	// spec generation exhausted.
	FailureTerminal
)

// TerminalError marks an error as terminal-class for the retry policy.
// Unwrapped errors and Transient-wrapped errors retry; Terminal ones fail
// the item immediately.
type TerminalError struct {
	Err error
}

func (e TerminalError) Error() string { return e.Err.Error() }
func (e TerminalError) Unwrap() error { return e.Err }

// Terminal wraps an error to signal the item should fail without retry.
func Terminal(err error) error {
	return TerminalError{Err: err}
}

// Classify returns the failure class of err. Anything not explicitly
// marked terminal is treated as transient.
func Classify(err error) FailureClass {
	var terminal TerminalError
	if errors.As(err, &terminal) {
		return FailureTerminal
	}
	return FailureTransient
}

// Policy computes retry scheduling for failed work items.
type Policy struct {
	RetryCap  int           // attempts before the item fails permanently (default: 3)
	BaseDelay time.Duration // first backoff step (default: 1 minute)
	MaxDelay  time.Duration // backoff ceiling (default: 30 minutes)
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		RetryCap:  3,
		BaseDelay: time.Minute,
		MaxDelay:  30 * time.Minute,
	}
}

// Backoff returns the delay before the given retry attempt becomes
// visible again: base * 2^retryCount, capped at MaxDelay.
func (p Policy) Backoff(retryCount int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Outcome is the item transition the policy decided on.
type Outcome struct {
	Status      domain.WorkItemStatus
	RetryCount  int
	NextRetryAt *time.Time
}

// Decide applies the retry rules to an item that just failed.
// Terminal-class failures fail immediately. Transient failures increment
// the retry counter; once it reaches RetryCap the item fails, otherwise it
// is requeued with exponential backoff.
func (p Policy) Decide(item *domain.WorkItem, class FailureClass, now time.Time) Outcome {
	if class == FailureTerminal {
		return Outcome{Status: domain.WorkItemStatusFailed, RetryCount: item.RetryCount}
	}

	retryCount := item.RetryCount + 1
	if retryCount >= p.RetryCap {
		return Outcome{Status: domain.WorkItemStatusFailed, RetryCount: retryCount}
	}

	nextRetryAt := now.Add(p.Backoff(retryCount))
	return Outcome{
		Status:      domain.WorkItemStatusQueued,
		RetryCount:  retryCount,
		NextRetryAt: &nextRetryAt,
	}
}
