package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/rezkam/whim/internal/domain"
)

// Spawner launches the external harness process for a claimed work item.
type Spawner interface {
	Spawn(ctx context.Context, item *domain.WorkItem, workerID string) error
}

// SpawnConfig holds the environment contract injected into every worker
// child process.
type SpawnConfig struct {
	// ExecutionCommand and VerificationCommand are the harness argv per
	// work item type.
	ExecutionCommand    []string
	VerificationCommand []string

	// OrchestratorURL is where the child calls back with worker RPCs.
	OrchestratorURL string
	// GitHubToken is forwarded for repository access.
	GitHubToken string
	// WorkDirRoot is where per-worker working directories are created.
	WorkDirRoot string
}

// workItemEnv is the JSON shape of the WORK_ITEM environment variable.
type workItemEnv struct {
	ID            string          `json:"id"`
	Repo          string          `json:"repo"`
	Type          string          `json:"type"`
	Priority      string          `json:"priority"`
	Spec          *string         `json:"spec,omitempty"`
	Branch        *string         `json:"branch,omitempty"`
	PRNumber      *int            `json:"prNumber,omitempty"`
	PRURL         *string         `json:"prUrl,omitempty"`
	ParentID      *string         `json:"parentWorkItemId,omitempty"`
	Iteration     int             `json:"iteration"`
	MaxIterations int             `json:"maxIterations"`
	Metadata      domain.Metadata `json:"metadata,omitempty"`
}

// ProcessSpawner starts harness child processes detached from the
// dispatcher: the child outlives the claim loop iteration and reports back
// over the worker RPCs.
type ProcessSpawner struct {
	cfg SpawnConfig
}

// NewProcessSpawner creates a spawner with the given contract configuration.
func NewProcessSpawner(cfg SpawnConfig) *ProcessSpawner {
	return &ProcessSpawner{cfg: cfg}
}

// Spawn launches the harness for the item's type with the environment
// contract: ORCHESTRATOR_URL, WORKER_ID, WORK_ITEM, GITHUB_TOKEN, WORK_DIR.
func (s *ProcessSpawner) Spawn(ctx context.Context, item *domain.WorkItem, workerID string) error {
	argv := s.cfg.ExecutionCommand
	if item.Type == domain.WorkItemTypeVerification {
		argv = s.cfg.VerificationCommand
	}
	if len(argv) == 0 {
		return fmt.Errorf("no harness command configured for %s items", item.Type)
	}

	workDir, err := os.MkdirTemp(s.cfg.WorkDirRoot, "whim-worker-")
	if err != nil {
		return fmt.Errorf("failed to create worker dir: %w", err)
	}

	payload, err := json.Marshal(workItemEnv{
		ID:            item.ID,
		Repo:          item.Repo,
		Type:          string(item.Type),
		Priority:      string(item.Priority),
		Spec:          item.Spec,
		Branch:        item.Branch,
		PRNumber:      item.PRNumber,
		PRURL:         item.PRURL,
		ParentID:      item.ParentWorkItemID,
		Iteration:     item.Iteration,
		MaxIterations: item.MaxIterations,
		Metadata:      item.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize work item: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"ORCHESTRATOR_URL="+s.cfg.OrchestratorURL,
		"WORKER_ID="+workerID,
		"WORK_ITEM="+string(payload),
		"GITHUB_TOKEN="+s.cfg.GitHubToken,
		"WORK_DIR="+workDir,
	)

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(workDir)
		return fmt.Errorf("failed to start harness: %w", err)
	}

	// Reap the child when it exits; its outcome arrives via worker RPCs,
	// not the exit code.
	go func() {
		_ = cmd.Wait()
	}()

	return nil
}
