package registry_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/domain"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, registry.FailureTransient, registry.Classify(base))
	assert.Equal(t, registry.FailureTerminal, registry.Classify(registry.Terminal(base)))
	// Terminal survives wrapping.
	assert.Equal(t, registry.FailureTerminal, registry.Classify(fmt.Errorf("outer: %w", registry.Terminal(base))))
}

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	policy := registry.DefaultPolicy()

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 16 * time.Minute},
		{5, 30 * time.Minute},
		{10, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Backoff(tt.retryCount), "retryCount=%d", tt.retryCount)
	}
}

func TestDecideTerminalFailsWithoutRetry(t *testing.T) {
	policy := registry.DefaultPolicy()
	item := &domain.WorkItem{RetryCount: 1}

	outcome := policy.Decide(item, registry.FailureTerminal, time.Now().UTC())
	assert.Equal(t, domain.WorkItemStatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.RetryCount)
	assert.Nil(t, outcome.NextRetryAt)
}

func TestDecideTransientRequeuesUntilCap(t *testing.T) {
	policy := registry.DefaultPolicy()
	now := time.Now().UTC()

	outcome := policy.Decide(&domain.WorkItem{RetryCount: 0}, registry.FailureTransient, now)
	assert.Equal(t, domain.WorkItemStatusQueued, outcome.Status)
	assert.Equal(t, 1, outcome.RetryCount)
	require.NotNil(t, outcome.NextRetryAt)
	assert.Equal(t, now.Add(2*time.Minute), *outcome.NextRetryAt)

	outcome = policy.Decide(&domain.WorkItem{RetryCount: 1}, registry.FailureTransient, now)
	assert.Equal(t, domain.WorkItemStatusQueued, outcome.Status)
	assert.Equal(t, 2, outcome.RetryCount)

	// The cap turns the last transient failure permanent.
	outcome = policy.Decide(&domain.WorkItem{RetryCount: 2}, registry.FailureTransient, now)
	assert.Equal(t, domain.WorkItemStatusFailed, outcome.Status)
	assert.Equal(t, 3, outcome.RetryCount)
	assert.Nil(t, outcome.NextRetryAt)
}
