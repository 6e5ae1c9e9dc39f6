package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/whim/internal/application/locks"
	"github.com/rezkam/whim/internal/application/queue"
	"github.com/rezkam/whim/internal/application/registry"
	"github.com/rezkam/whim/internal/application/specgen"
	"github.com/rezkam/whim/internal/domain"
	"github.com/rezkam/whim/internal/infrastructure/http/handler"
	"github.com/rezkam/whim/internal/infrastructure/persistence/memory"
	"github.com/rezkam/whim/internal/ptr"
)

// stubGenerator keeps description submissions from reaching a real
// spec-generator process in handler tests.
type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, string, string) (*specgen.Event, error) {
	return nil, fmt.Errorf("not under test")
}

type stubBudget struct{ used, total int }

func (b stubBudget) BudgetStatus() (int, int) { return b.used, b.total }

// testAPI wires the full handler over one in-memory store.
type testAPI struct {
	store    *memory.Store
	queue    *queue.Service
	registry *registry.Registry
	router   http.Handler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.NewStore()
	queueSvc := queue.NewService(store)
	reg := registry.New(store, store, registry.DefaultPolicy())
	lockSvc := locks.NewService(store)
	manager := specgen.NewManager(store, stubGenerator{}, specgen.WithMaxAttempts(1))

	h := handler.New(queueSvc, reg, lockSvc, manager, store, stubBudget{used: 3, total: 200})
	return &testAPI{
		store:    store,
		queue:    queueSvc,
		registry: reg,
		router:   h.Routes(),
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), "body: %s", rec.Body.String())
	return out
}

// submitAndStart takes a spec submission through claim and registration so
// worker RPC tests have a live worker.
func (a *testAPI) submitAndStart(t *testing.T, workerID string) *domain.WorkItem {
	t.Helper()
	ctx := context.Background()

	_, err := a.queue.Submit(ctx, queue.SubmitRequest{Repo: "acme/api", Spec: ptr.To("# Spec")})
	require.NoError(t, err)
	claimed, err := a.queue.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = a.registry.Register(ctx, claimed.ID, workerID)
	require.NoError(t, err)
	return claimed
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestSubmitWorkWithSpec(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/work", map[string]any{
		"repo":     "acme/api",
		"spec":     "# Add health endpoint",
		"priority": "high",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "execution", body["type"])
	assert.Equal(t, "high", body["priority"])
	assert.NotEmpty(t, body["id"])
	assert.NotEmpty(t, body["branch"])
}

func TestSubmitWorkValidation(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/work", map[string]any{"spec": "# Spec"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))

	rec = a.do(t, http.MethodPost, "/work", map[string]any{"repo": "acme/api"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/work", map[string]any{
		"repo": "acme/api", "spec": "# Spec", "priority": "urgent",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWork(t *testing.T) {
	a := newTestAPI(t)

	item, err := a.queue.Submit(context.Background(), queue.SubmitRequest{
		Repo: "acme/api", Spec: ptr.To("# Spec"),
	})
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/work/"+item.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, item.ID, body["id"])

	rec = a.do(t, http.MethodGet, "/work/no-such-item", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))
}

func TestCancelWork(t *testing.T) {
	a := newTestAPI(t)

	item, err := a.queue.Submit(context.Background(), queue.SubmitRequest{
		Repo: "acme/api", Spec: ptr.To("# Spec"),
	})
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/work/"+item.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cancelled      bool   `json:"cancelled"`
		PreviousStatus string `json:"previousStatus"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.True(t, body.Cancelled)
	assert.Equal(t, "queued", body.PreviousStatus)

	// Cancelling twice reports the no-op.
	rec = a.do(t, http.MethodPost, "/work/"+item.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Cancelled)
	assert.Equal(t, "cancelled", body.PreviousStatus)
}

func TestHeartbeatReportsCancel(t *testing.T) {
	a := newTestAPI(t)
	item := a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/heartbeat", map[string]any{
		"iteration": 1, "status": "running",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var ack struct {
		CancelRequested bool `json:"cancelRequested"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	assert.False(t, ack.CancelRequested)

	_, _, err := a.queue.Cancel(context.Background(), item.ID)
	require.NoError(t, err)

	rec = a.do(t, http.MethodPost, "/worker/w1/heartbeat", map[string]any{"iteration": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ack))
	assert.True(t, ack.CancelRequested)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/worker/ghost/heartbeat", map[string]any{"iteration": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeartbeatRejectsTerminalStatus(t *testing.T) {
	a := newTestAPI(t)
	item := a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/heartbeat", map[string]any{
		"iteration": 1, "status": "completed",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))

	// The worker is still live and its item still in flight.
	got, err := a.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusInProgress, got.Status)
}

func TestLockAndUnlock(t *testing.T) {
	a := newTestAPI(t)
	a.submitAndStart(t, "w1")
	a.submitAndStart(t, "w2")

	rec := a.do(t, http.MethodPost, "/worker/w1/lock", map[string]any{
		"repo": "acme/api", "files": []string{"main.go", "util.go"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Acquired          bool   `json:"acquired"`
		ConflictingWorker string `json:"conflictingWorker"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.True(t, result.Acquired)

	// Conflict is a 200 with acquired=false, not an error.
	rec = a.do(t, http.MethodPost, "/worker/w2/lock", map[string]any{
		"repo": "acme/api", "files": []string{"main.go"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.False(t, result.Acquired)
	assert.Equal(t, "w1", result.ConflictingWorker)

	rec = a.do(t, http.MethodPost, "/worker/w1/unlock", map[string]any{
		"repo": "acme/api", "files": []string{"main.go"},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, http.MethodPost, "/worker/w2/lock", map[string]any{
		"repo": "acme/api", "files": []string{"main.go"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.True(t, result.Acquired)
}

func TestLockRequiresRepo(t *testing.T) {
	a := newTestAPI(t)
	a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/lock", map[string]any{
		"files": []string{"main.go"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteExecutionEnqueuesVerification(t *testing.T) {
	a := newTestAPI(t)
	item := a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/complete", map[string]any{
		"prNumber":            42,
		"prUrl":               "https://github.com/acme/api/pull/42",
		"verificationEnabled": true,
		"learnings":           []string{"the linter needs go 1.25"},
		"metrics": []map[string]any{
			{"iteration": 1, "tokensIn": 1000, "tokensOut": 400, "durationMs": 90000},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		VerificationWorkItemID *string `json:"verificationWorkItemId"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.NotNil(t, body.VerificationWorkItemID)

	got, err := a.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusCompleted, got.Status)

	metrics, err := a.store.ListMetrics(context.Background())
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, "w1", metrics[0].WorkerID)
}

func TestCompleteVerificationForm(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	parent := a.submitAndStart(t, "w1")
	rec := a.do(t, http.MethodPost, "/worker/w1/complete", map[string]any{
		"prNumber": 42, "verificationEnabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	claimed, err := a.queue.ClaimNext(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = a.registry.Register(ctx, claimed.ID, "v1")
	require.NoError(t, err)

	// Only verificationPassed set: routed to the verification completion.
	rec = a.do(t, http.MethodPost, "/worker/v1/complete", map[string]any{
		"verificationPassed": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := a.queue.Get(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.VerificationPassed)
	assert.True(t, *got.VerificationPassed)
}

func TestFailRequeuesItem(t *testing.T) {
	a := newTestAPI(t)
	item := a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/fail", map[string]any{
		"error": "tests keep timing out", "iteration": 4,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := a.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestFailTerminal(t *testing.T) {
	a := newTestAPI(t)
	item := a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/fail", map[string]any{
		"error": "repo access denied", "terminal": true,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := a.queue.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkItemStatusFailed, got.Status)
}

func TestFailRequiresError(t *testing.T) {
	a := newTestAPI(t)
	a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/fail", map[string]any{"iteration": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStuckAndKill(t *testing.T) {
	a := newTestAPI(t)
	a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodPost, "/worker/w1/stuck", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = a.do(t, http.MethodPost, "/worker/w1/stuck", map[string]any{
		"reason": "same failing test for 5 iterations", "attempts": 5,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The stuck worker can still be killed.
	rec = a.do(t, http.MethodPost, "/workers/w1/kill", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// But a killed worker cannot.
	rec = a.do(t, http.MethodPost, "/workers/w1/kill", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "WORKER_TERMINAL", errorCode(t, rec))
}

func TestQueueProjection(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.queue.Submit(context.Background(), queue.SubmitRequest{
		Repo: "acme/api", Spec: ptr.To("# Spec"),
	})
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []map[string]any `json:"items"`
		Stats struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"byStatus"`
		} `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Items, 1)
	assert.Equal(t, 1, body.Stats.Total)
	assert.Equal(t, 1, body.Stats.ByStatus["queued"])

	rec = a.do(t, http.MethodGet, "/queue?type=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusIncludesBudget(t *testing.T) {
	a := newTestAPI(t)
	a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ActiveWorkers int `json:"activeWorkers"`
		Budget        *struct {
			Used  int `json:"used"`
			Total int `json:"total"`
		} `json:"budget"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.ActiveWorkers)
	require.NotNil(t, body.Budget)
	assert.Equal(t, 3, body.Budget.Used)
	assert.Equal(t, 200, body.Budget.Total)
}

func TestLearningsRequiresRepo(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/learnings", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/learnings?repo=acme/api", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkersProjection(t *testing.T) {
	a := newTestAPI(t)
	a.submitAndStart(t, "w1")

	rec := a.do(t, http.MethodGet, "/workers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[[]map[string]any](t, rec)
	require.Len(t, body, 1)
	assert.Equal(t, "w1", body[0]["id"])
	assert.Equal(t, "starting", body[0]["status"])
}
