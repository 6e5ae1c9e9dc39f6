package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"lowercases", "Add Login", 40, "add-login"},
		{"collapses runs", "fix:  broken -- thing", 40, "fix-broken-thing"},
		{"trims edges", "  !!urgent!!  ", 40, "urgent"},
		{"truncates", "abcdefghij", 5, "abcde"},
		{"truncate trims trailing dash", "abcd efgh", 5, "abcd"},
		{"empty", "", 40, ""},
		{"all symbols", "!!!", 40, ""},
		{"keeps digits", "issue #1234", 40, "issue-1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in, tt.maxLen))
		})
	}
}

func TestDefaultBranch(t *testing.T) {
	assert.Equal(t, "whim/0198c0de", DefaultBranch("0198c0de-aaaa-bbbb-cccc-ddddeeeeffff"))
	assert.Equal(t, "whim/abc", DefaultBranch("abc"))
}

func TestDeriveBranch(t *testing.T) {
	now := time.Date(2026, 8, 24, 13, 5, 7, 0, time.UTC)

	t.Run("with provenance", func(t *testing.T) {
		source := "github"
		ref := "org/repo#42"
		got := DeriveBranch(&source, &ref, "Add Login", now)
		assert.Equal(t, "ai/github-org-repo-42-add-login", got)
	})

	t.Run("without provenance uses timestamp", func(t *testing.T) {
		got := DeriveBranch(nil, nil, "add login", now)
		assert.Equal(t, "ai/20260824130507-add-login", got)
	})

	t.Run("empty title falls back to task", func(t *testing.T) {
		got := DeriveBranch(nil, nil, "", now)
		assert.Equal(t, "ai/20260824130507-task", got)
	})

	t.Run("empty sourceRef falls back to timestamp form", func(t *testing.T) {
		source := "github"
		empty := ""
		got := DeriveBranch(&source, &empty, "x", now)
		assert.Equal(t, "ai/20260824130507-x", got)
	})
}

func TestWorkItemClaimVisible(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Second)
	past := now.Add(-time.Second)

	item := &WorkItem{Status: WorkItemStatusQueued}
	assert.True(t, item.ClaimVisible(now))

	item.NextRetryAt = &future
	assert.False(t, item.ClaimVisible(now))

	item.NextRetryAt = &past
	assert.True(t, item.ClaimVisible(now))

	item.Status = WorkItemStatusAssigned
	assert.False(t, item.ClaimVisible(now))
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, WorkItemStatusCompleted.Terminal())
	assert.True(t, WorkItemStatusFailed.Terminal())
	assert.True(t, WorkItemStatusCancelled.Terminal())
	assert.False(t, WorkItemStatusQueued.Terminal())
	assert.False(t, WorkItemStatusGenerating.Terminal())

	assert.True(t, WorkerStatusStuck.Terminal())
	assert.True(t, WorkerStatusKilled.Terminal())
	assert.False(t, WorkerStatusRunning.Terminal())
	assert.False(t, WorkerStatusStarting.Terminal())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
	assert.Greater(t, WorkItemTypeExecution.Rank(), WorkItemTypeVerification.Rank())
}
