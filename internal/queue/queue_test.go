package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentqueue/internal/model"
	"agentqueue/internal/store"
	"agentqueue/internal/store/memory"
)

func intPtr(n int) *int { return &n }

func newEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	return New(st), st
}

func mustCreate(t *testing.T, e *Engine, d store.TaskDraft) *model.Task {
	t.Helper()
	if d.TenantID == "" {
		d.TenantID = "acct-1"
	}
	task, err := e.Create(context.Background(), d, nil, "tester")
	require.NoError(t, err)
	return task
}

func TestClaimOrdering(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	mustCreate(t, e, store.TaskDraft{Title: "low", Priority: intPtr(1)})
	time.Sleep(time.Millisecond)
	first := mustCreate(t, e, store.TaskDraft{Title: "high early", Priority: intPtr(5)})
	time.Sleep(time.Millisecond)
	mustCreate(t, e, store.TaskDraft{Title: "high late", Priority: intPtr(5)})

	got, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "highest priority, oldest first")
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Equal(t, "agent-a", got.AssignedAgent)
	assert.NotNil(t, got.ClaimedAt)
}

func TestClaimFilters(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	mustCreate(t, e, store.TaskDraft{Title: "research", Intent: model.TaskIntentResearch, Priority: intPtr(5)})
	code := mustCreate(t, e, store.TaskDraft{Title: "code", Intent: model.TaskIntentCode, Priority: intPtr(2), Project: "api"})

	got, err := e.Claim(ctx, "acct-1", store.ClaimFilter{
		Intents: []model.TaskIntent{model.TaskIntentCode},
		Project: "api",
	}, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, code.ID, got.ID)

	_, err = e.Claim(ctx, "acct-1", store.ClaimFilter{PriorityMin: 6}, "agent-a")
	assert.ErrorIs(t, err, ErrNoEligibleTasks)
}

func TestClaimEmptyQueue(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Claim(context.Background(), "acct-1", store.ClaimFilter{}, "agent-a")
	assert.ErrorIs(t, err, ErrNoEligibleTasks)
}

func TestClaimTenantIsolation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	mustCreate(t, e, store.TaskDraft{TenantID: "acct-1", Title: "mine"})

	_, err := e.Claim(ctx, "acct-2", store.ClaimFilter{}, "agent-b")
	assert.ErrorIs(t, err, ErrNoEligibleTasks)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, store.TaskDraft{Title: "contested"})

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		agent := string(rune('a' + i))
		go func() {
			defer wg.Done()
			got, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-"+agent)
			if err == nil {
				wins <- got.AssignedAgent
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one claim must succeed")

	final, err := e.store.GetTask(ctx, "acct-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], final.AssignedAgent)
	assert.Equal(t, model.TaskStatusInProgress, final.Status)
}

func TestCompleteRoutesToDone(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, store.TaskDraft{Title: "work"})
	_, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)

	conf := 0.9
	done, err := e.Complete(ctx, "acct-1", task.ID, "agent-a", CompleteRequest{
		Result:     map[string]any{"outcome": "shipped"},
		Confidence: &conf,
		Artifacts:  []string{"https://example.com/pr/1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, "shipped", done.Result["outcome"])
	assert.Equal(t, []string{"https://example.com/pr/1"}, done.Artifacts)
}

func TestCompleteRoutesToReview(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, store.TaskDraft{Title: "sensitive", RequiresHumanReview: true})
	_, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)

	done, err := e.Complete(ctx, "acct-1", task.ID, "agent-a", CompleteRequest{})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReview, done.Status)
}

func TestCompleteRejectsBadConfidence(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, store.TaskDraft{Title: "work"})
	_, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)

	conf := 1.5
	_, err = e.Complete(ctx, "acct-1", task.ID, "agent-a", CompleteRequest{Confidence: &conf})
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompleteRecomputesNextRun(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, store.TaskDraft{
		Title:      "nightly report",
		Recurrence: &model.RecurrenceSpec{Type: "interval", IntervalDays: 1},
	})
	_, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)

	done, err := e.Complete(ctx, "acct-1", task.ID, "agent-a", CompleteRequest{})
	require.NoError(t, err)
	require.NotNil(t, done.NextRunAt)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *done.NextRunAt, time.Minute)
}

func TestCompleteCascadeUnblocksDependents(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	base := mustCreate(t, e, store.TaskDraft{Title: "migrate schema"})
	dependent := mustCreate(t, e, store.TaskDraft{Title: "deploy"})

	_, err := e.AddDependency(ctx, "acct-1", dependent.ID, base.ID, "tester")
	require.NoError(t, err)

	blocked, err := e.store.GetTask(ctx, "acct-1", dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusBlocked, blocked.Status)

	claimed, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)
	require.Equal(t, base.ID, claimed.ID, "blocked dependent must not be claimable")

	_, err = e.Complete(ctx, "acct-1", base.ID, "agent-a", CompleteRequest{})
	require.NoError(t, err)

	fresh, err := e.store.GetTask(ctx, "acct-1", dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusTodo, fresh.Status)

	n, err := e.store.CountDependencies(ctx, "acct-1", dependent.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompleteCascadeHoldsWithRemainingEdges(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	first := mustCreate(t, e, store.TaskDraft{Title: "step one", Priority: intPtr(5)})
	time.Sleep(time.Millisecond)
	second := mustCreate(t, e, store.TaskDraft{Title: "step two", Priority: intPtr(5)})
	dependent := mustCreate(t, e, store.TaskDraft{Title: "finale"})

	_, err := e.AddDependency(ctx, "acct-1", dependent.ID, first.ID, "tester")
	require.NoError(t, err)
	_, err = e.AddDependency(ctx, "acct-1", dependent.ID, second.ID, "tester")
	require.NoError(t, err)

	_, err = e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)
	_, err = e.Complete(ctx, "acct-1", first.ID, "agent-a", CompleteRequest{})
	require.NoError(t, err)

	mid, err := e.store.GetTask(ctx, "acct-1", dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusBlocked, mid.Status, "one edge remains")

	_, err = e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)
	_, err = e.Complete(ctx, "acct-1", second.ID, "agent-a", CompleteRequest{})
	require.NoError(t, err)

	fresh, err := e.store.GetTask(ctx, "acct-1", dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusTodo, fresh.Status)
}

func TestAddDependencyValidation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, store.TaskDraft{Title: "a"})
	b := mustCreate(t, e, store.TaskDraft{Title: "b"})

	_, err := e.AddDependency(ctx, "acct-1", a.ID, a.ID, "tester")
	assert.ErrorIs(t, err, ErrSelfDependency)

	_, err = e.AddDependency(ctx, "acct-1", a.ID, "missing", "tester")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.AddDependency(ctx, "acct-1", a.ID, b.ID, "tester")
	require.NoError(t, err)
	_, err = e.AddDependency(ctx, "acct-1", a.ID, b.ID, "tester")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRemoveDependencyUnblocks(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, store.TaskDraft{Title: "a"})
	b := mustCreate(t, e, store.TaskDraft{Title: "b"})

	dep, err := e.AddDependency(ctx, "acct-1", a.ID, b.ID, "tester")
	require.NoError(t, err)

	require.NoError(t, e.RemoveDependency(ctx, "acct-1", a.ID, dep.ID))

	fresh, err := e.store.GetTask(ctx, "acct-1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusTodo, fresh.Status)
}

func TestCreateWithDependencies(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	base := mustCreate(t, e, store.TaskDraft{Title: "base"})

	blocked, err := e.Create(ctx, store.TaskDraft{
		TenantID: "acct-1",
		Title:    "waits on base",
	}, []string{base.ID}, "tester")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusBlocked, blocked.Status)

	_, err = e.Create(ctx, store.TaskDraft{
		TenantID: "acct-1",
		Title:    "bad edge",
	}, []string{"missing"}, "tester")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateUpsertsProject(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()

	mustCreate(t, e, store.TaskDraft{Title: "a", Project: "billing"})
	mustCreate(t, e, store.TaskDraft{Title: "b", Project: "billing"})

	projects, err := st.ListProjects(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "billing", projects[0].Name)
}

func TestBulkCreateAllOrNothing(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()

	_, err := e.BulkCreate(ctx, []store.TaskDraft{
		{TenantID: "acct-1", Title: "ok"},
		{TenantID: "acct-1", Title: ""},
	})
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)

	tasks, err := st.ListTasks(ctx, store.TaskFilter{TenantID: "acct-1"})
	require.NoError(t, err)
	assert.Empty(t, tasks, "invalid batch must insert nothing")

	created, err := e.BulkCreate(ctx, []store.TaskDraft{
		{TenantID: "acct-1", Title: "one"},
		{TenantID: "acct-1", Title: "two", Project: "infra"},
	})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	projects, err := st.ListProjects(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestBulkCreateSizeCap(t *testing.T) {
	e, _ := newEngine(t)

	drafts := make([]store.TaskDraft, store.MaxBulkSize+1)
	for i := range drafts {
		drafts[i] = store.TaskDraft{TenantID: "acct-1", Title: "t"}
	}
	_, err := e.BulkCreate(context.Background(), drafts)
	var verr *store.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestBulkUpdateWhitelist(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, store.TaskDraft{Title: "a"})

	_, err := e.BulkUpdate(ctx, "acct-1", []BulkUpdateItem{
		{ID: a.ID, Fields: map[string]any{"assigned_agent": "sneaky"}},
	})
	var verr *store.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "assigned_agent")

	out, err := e.BulkUpdate(ctx, "acct-1", []BulkUpdateItem{
		{ID: a.ID, Fields: map[string]any{"priority": float64(5), "status": "in_progress"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 5, out[0].Priority)
	assert.Equal(t, model.TaskStatusInProgress, out[0].Status)
}

func TestSpawnSubtask(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	parent := mustCreate(t, e, store.TaskDraft{Title: "parent"})

	child, err := e.SpawnSubtask(ctx, parent.ID, store.TaskDraft{
		TenantID: "acct-1",
		Title:    "child",
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentTaskID)

	_, err = e.SpawnSubtask(ctx, "missing", store.TaskDraft{
		TenantID: "acct-1",
		Title:    "orphan",
	}, "tester")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActivityTrail(t *testing.T) {
	e, st := newEngine(t)
	ctx := context.Background()

	task := mustCreate(t, e, store.TaskDraft{Title: "audited"})
	_, err := e.Claim(ctx, "acct-1", store.ClaimFilter{}, "agent-a")
	require.NoError(t, err)
	_, err = e.Complete(ctx, "acct-1", task.ID, "agent-a", CompleteRequest{})
	require.NoError(t, err)

	entries, err := st.ListActivity(ctx, "acct-1", task.ID, 0)
	require.NoError(t, err)

	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	assert.Contains(t, actions, "created")
	assert.Contains(t, actions, "claimed")
	assert.Contains(t, actions, "completed")
}
