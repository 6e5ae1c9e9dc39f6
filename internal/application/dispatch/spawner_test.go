package dispatch_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/dispatch"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/ptr"
)

func TestSpawnRejectsUnconfiguredCommand(t *testing.T) {
	s := dispatch.NewProcessSpawner(dispatch.SpawnConfig{
		ExecutionCommand: []string{"harness"},
		WorkDirRoot:      t.TempDir(),
	})

	item := &domain.WorkItem{ID: "ver-1", Type: domain.WorkItemTypeVerification}
	err := s.Spawn(context.Background(), item, "w-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification")
}

func TestSpawnInjectsEnvContract(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "env.json")

	// The child dumps the contract variables so the test can inspect what a
	// real harness would see.
	script := `printf '{"url":"%s","worker":"%s","dir":"%s","item":%s}' ` +
		`"$ORCHESTRATOR_URL" "$WORKER_ID" "$WORK_DIR" "$WORK_ITEM" > ` + out
	s := dispatch.NewProcessSpawner(dispatch.SpawnConfig{
		ExecutionCommand: []string{"sh", "-c", script},
		OrchestratorURL:  "http://localhost:8080",
		GitHubToken:      "ghs_test",
		WorkDirRoot:      root,
	})

	item := &domain.WorkItem{
		ID:            "item-1",
		Repo:          "acme/api",
		Type:          domain.WorkItemTypeExecution,
		Priority:      domain.PriorityHigh,
		Spec:          ptr.To("# Spec"),
		Branch:        ptr.To("whim/item-1"),
		Iteration:     2,
		MaxIterations: 50,
	}
	require.NoError(t, s.Spawn(context.Background(), item, "w-1"))

	var dump struct {
		URL    string `json:"url"`
		Worker string `json:"worker"`
		Dir    string `json:"dir"`
		Item   struct {
			ID            string  `json:"id"`
			Repo          string  `json:"repo"`
			Type          string  `json:"type"`
			Priority      string  `json:"priority"`
			Spec          *string `json:"spec"`
			Branch        *string `json:"branch"`
			Iteration     int     `json:"iteration"`
			MaxIterations int     `json:"maxIterations"`
		} `json:"item"`
	}
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		if err != nil {
			return false
		}
		return json.Unmarshal(data, &dump) == nil
	}, 2*time.Second, 10*time.Millisecond, "child never wrote the env dump")

	assert.Equal(t, "http://localhost:8080", dump.URL)
	assert.Equal(t, "w-1", dump.Worker)
	assert.True(t, filepath.IsAbs(dump.Dir))
	assert.Equal(t, "item-1", dump.Item.ID)
	assert.Equal(t, "acme/api", dump.Item.Repo)
	assert.Equal(t, "execution", dump.Item.Type)
	assert.Equal(t, "high", dump.Item.Priority)
	require.NotNil(t, dump.Item.Spec)
	assert.Equal(t, "# Spec", *dump.Item.Spec)
	require.NotNil(t, dump.Item.Branch)
	assert.Equal(t, "whim/item-1", *dump.Item.Branch)
	assert.Equal(t, 2, dump.Item.Iteration)
	assert.Equal(t, 50, dump.Item.MaxIterations)
}
