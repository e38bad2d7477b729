package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentqueue/internal/model"
	"agentqueue/internal/store"
)

func intPtr(n int) *int { return &n }

func TestCreateTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	// Test case 1: Valid create
	task, err := s.CreateTask(ctx, store.TaskDraft{
		TenantID:    "acct-1",
		Title:       "write report",
		Description: "weekly summary",
		Intent:      model.TaskIntentResearch,
		Priority:    intPtr(4),
		Project:     "reports",
		CreatedBy:   "agent-a",
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "acct-1", task.TenantID)
	assert.Equal(t, model.TaskStatusTodo, task.Status)
	assert.Equal(t, 4, task.Priority)
	assert.NotZero(t, task.CreatedAt)
	assert.NotZero(t, task.UpdatedAt)

	// Test case 2: Unset priority falls back to the default
	task2, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "no priority"})
	assert.NoError(t, err)
	assert.Equal(t, model.PriorityDefault, task2.Priority)

	// Test case 3: Missing tenant
	_, err = s.CreateTask(ctx, store.TaskDraft{Title: "orphan"})
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "tenant_id_required"))

	// Test case 4: Parent must exist within the tenant
	_, err = s.CreateTask(ctx, store.TaskDraft{
		TenantID:     "acct-1",
		Title:        "child",
		ParentTaskID: "missing",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	child, err := s.CreateTask(ctx, store.TaskDraft{
		TenantID:     "acct-1",
		Title:        "child",
		ParentTaskID: task.ID,
	})
	assert.NoError(t, err)
	assert.Equal(t, task.ID, child.ParentTaskID)

	// Test case 5: Parent in another tenant is invisible
	_, err = s.CreateTask(ctx, store.TaskDraft{
		TenantID:     "acct-2",
		Title:        "cross tenant child",
		ParentTaskID: task.ID,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTasksRollsBack(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.CreateTasks(ctx, []store.TaskDraft{
		{TenantID: "acct-1", Title: "ok"},
		{Title: "missing tenant"},
	})
	assert.Error(t, err)

	tasks, err := s.ListTasks(ctx, store.TaskFilter{TenantID: "acct-1"})
	assert.NoError(t, err)
	assert.Empty(t, tasks, "failed batch must leave no rows behind")

	created, err := s.CreateTasks(ctx, []store.TaskDraft{
		{TenantID: "acct-1", Title: "one"},
		{TenantID: "acct-1", Title: "two"},
	})
	assert.NoError(t, err)
	assert.Len(t, created, 2)
}

func TestGetTaskTenantScoped(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "mine"})
	assert.NoError(t, err)

	got, err := s.GetTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	// A valid id under the wrong tenant reads as missing, not forbidden.
	_, err = s.GetTask(ctx, "acct-2", task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTask(ctx, "acct-1", "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTasksFilters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "a", Intent: model.TaskIntentCode, Project: "api"})
	assert.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "b", Intent: model.TaskIntentChore, Project: "infra"})
	assert.NoError(t, err)
	_, err = s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-2", Title: "other tenant"})
	assert.NoError(t, err)

	all, err := s.ListTasks(ctx, store.TaskFilter{TenantID: "acct-1"})
	assert.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Title, "oldest first")

	byIntent, err := s.ListTasks(ctx, store.TaskFilter{TenantID: "acct-1", Intent: model.TaskIntentChore})
	assert.NoError(t, err)
	assert.Len(t, byIntent, 1)
	assert.Equal(t, "b", byIntent[0].Title)

	byProject, err := s.ListTasks(ctx, store.TaskFilter{TenantID: "acct-1", Project: "api"})
	assert.NoError(t, err)
	assert.Len(t, byProject, 1)

	limited, err := s.ListTasks(ctx, store.TaskFilter{TenantID: "acct-1", Limit: 1})
	assert.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestUpdateTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "before"})
	assert.NoError(t, err)

	title := "after"
	prio := 5
	blocker := "waiting on credentials"
	got, err := s.UpdateTask(ctx, "acct-1", task.ID, store.TaskPatch{
		Title:    &title,
		Priority: &prio,
		Blocker:  &blocker,
	})
	assert.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, []string{"waiting on credentials"}, got.Blockers)

	// A second blocker appends rather than replaces.
	second := "waiting on review"
	got, err = s.UpdateTask(ctx, "acct-1", task.ID, store.TaskPatch{Blocker: &second})
	assert.NoError(t, err)
	assert.Len(t, got.Blockers, 2)

	// Replacing the whole list clears it.
	empty := []string{}
	got, err = s.UpdateTask(ctx, "acct-1", task.ID, store.TaskPatch{Blockers: &empty})
	assert.NoError(t, err)
	assert.Empty(t, got.Blockers)

	_, err = s.UpdateTask(ctx, "acct-2", task.ID, store.TaskPatch{Title: &title})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteTaskRemovesEdges(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "a"})
	assert.NoError(t, err)
	b, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "b"})
	assert.NoError(t, err)

	_, err = s.AddDependency(ctx, "acct-1", a.ID, b.ID)
	assert.NoError(t, err)

	assert.NoError(t, s.DeleteTask(ctx, "acct-1", b.ID))

	n, err := s.CountDependencies(ctx, "acct-1", a.ID)
	assert.NoError(t, err)
	assert.Zero(t, n, "edges touching a deleted task must go with it")

	assert.ErrorIs(t, s.DeleteTask(ctx, "acct-1", b.ID), store.ErrNotFound)
}

func TestPeekTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	// Test case 1: Empty queue is not an error
	got, err := s.PeekTask(ctx, "acct-1", store.ClaimFilter{})
	assert.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "low", Priority: intPtr(2)})
	assert.NoError(t, err)
	time.Sleep(time.Millisecond)
	high1, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "high old", Priority: intPtr(5)})
	assert.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "high new", Priority: intPtr(5)})
	assert.NoError(t, err)

	// Test case 2: Priority wins, creation time breaks ties
	got, err = s.PeekTask(ctx, "acct-1", store.ClaimFilter{})
	assert.NoError(t, err)
	assert.Equal(t, high1.ID, got.ID)

	// Test case 3: Peek does not assign
	fresh, err := s.GetTask(ctx, "acct-1", high1.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TaskStatusTodo, fresh.Status)
	assert.Empty(t, fresh.AssignedAgent)

	// Test case 4: Claimed and blocked tasks are skipped
	_, err = s.ClaimTask(ctx, "acct-1", high1.ID, "agent-a")
	assert.NoError(t, err)
	got, err = s.PeekTask(ctx, "acct-1", store.ClaimFilter{})
	assert.NoError(t, err)
	assert.Equal(t, "high new", got.Title)
}

func TestClaimTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "work"})
	assert.NoError(t, err)

	// Test case 1: Missing agent
	_, err = s.ClaimTask(ctx, "acct-1", task.ID, "")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "agent_required"))

	// Test case 2: Successful claim
	claimed, err := s.ClaimTask(ctx, "acct-1", task.ID, "agent-a")
	assert.NoError(t, err)
	assert.Equal(t, model.TaskStatusInProgress, claimed.Status)
	assert.Equal(t, "agent-a", claimed.AssignedAgent)
	assert.NotNil(t, claimed.ClaimedAt)

	// Test case 3: Second claim loses the race
	_, err = s.ClaimTask(ctx, "acct-1", task.ID, "agent-b")
	assert.ErrorIs(t, err, store.ErrConflict)

	// Test case 4: Unknown task
	_, err = s.ClaimTask(ctx, "acct-1", "missing", "agent-a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "work"})
	assert.NoError(t, err)

	// Test case 1: Completing an unclaimed task is a conflict
	_, err = s.CompleteTask(ctx, "acct-1", task.ID, store.CompletionUpdate{Status: model.TaskStatusDone})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.ClaimTask(ctx, "acct-1", task.ID, "agent-a")
	assert.NoError(t, err)

	// Test case 2: Completion stamps and stores the payload
	conf := 0.85
	next := time.Now().UTC().Add(24 * time.Hour)
	done, err := s.CompleteTask(ctx, "acct-1", task.ID, store.CompletionUpdate{
		Status:     model.TaskStatusDone,
		Result:     map[string]any{"outcome": "fixed"},
		Confidence: &conf,
		Artifacts:  []string{"https://example.com/diff"},
		NextRunAt:  &next,
	})
	assert.NoError(t, err)
	assert.Equal(t, model.TaskStatusDone, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "fixed", done.Result["outcome"])
	assert.Equal(t, &conf, done.Confidence)
	assert.Equal(t, &next, done.NextRunAt)

	// Test case 3: Double completion is a conflict
	_, err = s.CompleteTask(ctx, "acct-1", task.ID, store.CompletionUpdate{Status: model.TaskStatusDone})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestDependencies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	a, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "a"})
	assert.NoError(t, err)
	b, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "b"})
	assert.NoError(t, err)
	c, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "c"})
	assert.NoError(t, err)

	// Test case 1: Add and list
	dep, err := s.AddDependency(ctx, "acct-1", a.ID, b.ID)
	assert.NoError(t, err)
	assert.NotEmpty(t, dep.ID)

	deps, err := s.ListDependencies(ctx, "acct-1", a.ID)
	assert.NoError(t, err)
	assert.Len(t, deps, 1)
	assert.Equal(t, b.ID, deps[0].DependsOnTaskID)

	// Test case 2: Duplicate edge
	_, err = s.AddDependency(ctx, "acct-1", a.ID, b.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	// Test case 3: Missing target
	_, err = s.AddDependency(ctx, "acct-1", a.ID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Test case 4: Count and remove
	_, err = s.AddDependency(ctx, "acct-1", a.ID, c.ID)
	assert.NoError(t, err)
	n, err := s.CountDependencies(ctx, "acct-1", a.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoError(t, s.RemoveDependency(ctx, "acct-1", a.ID, dep.ID))
	assert.ErrorIs(t, s.RemoveDependency(ctx, "acct-1", a.ID, dep.ID), store.ErrNotFound)

	// Test case 5: DeleteDependenciesOn reports distinct dependents
	_, err = s.AddDependency(ctx, "acct-1", b.ID, c.ID)
	assert.NoError(t, err)
	dependents, err := s.DeleteDependenciesOn(ctx, "acct-1", c.ID)
	assert.NoError(t, err)
	assert.Len(t, dependents, 2)
	assert.Contains(t, dependents, a.ID)
	assert.Contains(t, dependents, b.ID)

	n, err = s.CountDependencies(ctx, "acct-1", a.ID)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnblockTask(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "gated"})
	assert.NoError(t, err)

	// Test case 1: A todo task does not transition
	moved, err := s.UnblockTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.False(t, moved)

	blocked := model.TaskStatusBlocked
	blocker := "manual hold"
	_, err = s.UpdateTask(ctx, "acct-1", task.ID, store.TaskPatch{Status: &blocked, Blocker: &blocker})
	assert.NoError(t, err)

	// Test case 2: Free-text blockers keep the task blocked
	moved, err = s.UnblockTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.False(t, moved)

	empty := []string{}
	_, err = s.UpdateTask(ctx, "acct-1", task.ID, store.TaskPatch{Blockers: &empty})
	assert.NoError(t, err)

	// Test case 3: Blocked with nothing holding it moves back to todo
	moved, err = s.UnblockTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.True(t, moved)

	fresh, err := s.GetTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.TaskStatusTodo, fresh.Status)
}

func TestMessages(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "discussed"})
	assert.NoError(t, err)

	// Test case 1: Content required
	_, err = s.CreateMessage(ctx, model.TaskMessage{TenantID: "acct-1", TaskID: task.ID, Sender: "agent-a"})
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "content_required"))

	// Test case 2: Agent message flags the task for human input
	_, err = s.CreateMessage(ctx, model.TaskMessage{
		TenantID: "acct-1",
		TaskID:   task.ID,
		Sender:   "agent-a",
		Content:  "which region should this deploy to?",
	})
	assert.NoError(t, err)

	fresh, err := s.GetTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.True(t, fresh.HumanInputNeeded)

	// Test case 3: Human reply clears the flag
	_, err = s.CreateMessage(ctx, model.TaskMessage{
		TenantID:      "acct-1",
		TaskID:        task.ID,
		Sender:        "pat",
		SenderIsHuman: true,
		Content:       "us-east-1",
	})
	assert.NoError(t, err)

	fresh, err = s.GetTask(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.False(t, fresh.HumanInputNeeded)

	msgs, err := s.ListMessages(ctx, "acct-1", task.ID)
	assert.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, "which region should this deploy to?", msgs[0].Content)
}

func TestAttachments(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	task, err := s.CreateTask(ctx, store.TaskDraft{TenantID: "acct-1", Title: "evidence"})
	assert.NoError(t, err)

	_, err = s.AddAttachment(ctx, "acct-1", task.ID, model.Attachment{Name: "log"})
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "url_required"))

	got, err := s.AddAttachment(ctx, "acct-1", task.ID, model.Attachment{
		Name: "log",
		URL:  "https://example.com/run.log",
	})
	assert.NoError(t, err)
	assert.Len(t, got.Attachments, 1)
	assert.Equal(t, "https://example.com/run.log", got.Attachments[0].URL)
}

func TestActivity(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendActivity(ctx, model.ActivityEntry{
			TenantID: "acct-1",
			TaskID:   "task-1",
			Agent:    "agent-a",
			Action:   "updated",
		})
		assert.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := s.AppendActivity(ctx, model.ActivityEntry{TenantID: "acct-2", TaskID: "task-9", Action: "created"})
	assert.NoError(t, err)

	// Newest first, tenant scoped
	entries, err := s.ListActivity(ctx, "acct-1", "task-1", 0)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.True(t, entries[0].CreatedAt.After(entries[2].CreatedAt))

	limited, err := s.ListActivity(ctx, "acct-1", "", 2)
	assert.NoError(t, err)
	assert.Len(t, limited, 2)

	removed, err := s.PurgeActivityBefore(ctx, time.Now().UTC().Add(time.Second))
	assert.NoError(t, err)
	assert.Equal(t, 4, removed)
}

func TestProjects(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	p1, err := s.UpsertProject(ctx, "acct-1", "billing")
	assert.NoError(t, err)
	assert.NotEmpty(t, p1.ID)

	// Upsert is idempotent and case-insensitive
	p2, err := s.UpsertProject(ctx, "acct-1", "Billing")
	assert.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)

	_, err = s.UpsertProject(ctx, "acct-1", "  ")
	assert.Error(t, err)

	// Another tenant gets its own row
	p3, err := s.UpsertProject(ctx, "acct-2", "billing")
	assert.NoError(t, err)
	assert.NotEqual(t, p1.ID, p3.ID)

	projects, err := s.ListProjects(ctx, "acct-1")
	assert.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestAccountsAndKeys(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	// Test case 1: Create and fetch account
	acct, err := s.CreateAccount(ctx, model.Account{Name: "acme", PasswordHash: "x"})
	assert.NoError(t, err)
	assert.NotEmpty(t, acct.ID)

	byName, err := s.GetAccountByName(ctx, "ACME")
	assert.NoError(t, err)
	assert.Equal(t, acct.ID, byName.ID)

	byID, err := s.GetAccountByID(ctx, acct.ID)
	assert.NoError(t, err)
	assert.Equal(t, "acme", byID.Name)

	// Test case 2: Duplicate name
	_, err = s.CreateAccount(ctx, model.Account{Name: "Acme", PasswordHash: "y"})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Test case 3: Key lifecycle
	key, err := s.CreateAPIKey(ctx, model.APIKey{
		TenantID:  acct.ID,
		AgentName: "agent-a",
		KeyHash:   "deadbeef",
		CanRead:   true,
		CanWrite:  true,
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, key.ID)

	got, err := s.GetAPIKeyByHash(ctx, "deadbeef")
	assert.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Nil(t, got.LastUsedAt)

	assert.NoError(t, s.TouchAPIKey(ctx, key.ID))
	got, err = s.GetAPIKeyByHash(ctx, "deadbeef")
	assert.NoError(t, err)
	assert.NotNil(t, got.LastUsedAt)

	keys, err := s.ListAPIKeys(ctx, acct.ID)
	assert.NoError(t, err)
	assert.Len(t, keys, 1)

	// Test case 4: Revocation is tenant scoped
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, "other", key.ID), store.ErrNotFound)
	assert.NoError(t, s.RevokeAPIKey(ctx, acct.ID, key.ID))

	keys, err = s.ListAPIKeys(ctx, acct.ID)
	assert.NoError(t, err)
	assert.True(t, keys[0].Revoked)
}
