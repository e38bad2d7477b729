// Package queue implements the task queue engine: the claim protocol, the
// completion pipeline, and the dependency cascade. It is stateless between
// requests; all durable state lives in the Store.
package queue

import (
	"context"
	"errors"
	"log"
	"time"

	"agentqueue/internal/model"
	"agentqueue/internal/recurrence"
	"agentqueue/internal/store"
)

var (
	// ErrNoEligibleTasks means no task matched the claim filters. Not a
	// failure of the protocol, just an empty backlog.
	ErrNoEligibleTasks = errors.New("no_eligible_tasks")

	// ErrClaimRace means another caller claimed the candidate first. The
	// caller retries by issuing a fresh claim; the engine never loops.
	ErrClaimRace = errors.New("claim_race")

	ErrSelfDependency = errors.New("self_dependency")
)

type Engine struct {
	store store.Store
}

func New(st store.Store) *Engine {
	return &Engine{store: st}
}

// Peek returns the single best eligible task without assigning it, or nil
// when nothing matches.
func (e *Engine) Peek(ctx context.Context, tenantID string, f store.ClaimFilter) (*model.Task, error) {
	return e.store.PeekTask(ctx, tenantID, f)
}

// Claim selects the best eligible task and assigns it to agent with a
// conditional update. A lost race surfaces as ErrClaimRace; the store is the
// sole arbiter of who won.
func (e *Engine) Claim(ctx context.Context, tenantID string, f store.ClaimFilter, agent string) (*model.Task, error) {
	candidate, err := e.store.PeekTask(ctx, tenantID, f)
	if err != nil {
		return nil, err
	}
	if candidate == nil {
		return nil, ErrNoEligibleTasks
	}

	claimed, err := e.store.ClaimTask(ctx, tenantID, candidate.ID, agent)
	if err != nil {
		// The candidate being gone or no longer claimable both mean a
		// concurrent caller got there first.
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return nil, ErrClaimRace
		}
		return nil, err
	}

	e.logActivity(ctx, tenantID, claimed.ID, agent, "claimed", nil)
	return claimed, nil
}

// CompleteRequest carries the optional completion payload.
type CompleteRequest struct {
	Result     map[string]any
	Confidence *float64
	Artifacts  []string
}

// Complete finishes a task: stamps completed_at, routes to review or done per
// requires_human_review, recomputes next_run_at for recurring tasks, and runs
// the dependency cascade. The cascade is best-effort and never fails the
// completion itself.
func (e *Engine) Complete(ctx context.Context, tenantID, taskID, agent string, req CompleteRequest) (*model.Task, error) {
	if err := store.ValidateConfidence(req.Confidence); err != nil {
		return nil, err
	}

	t, err := e.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	status := model.TaskStatusDone
	if t.RequiresHumanReview {
		status = model.TaskStatusReview
	}

	var nextRun *time.Time
	if t.Recurrence != nil {
		nextRun = recurrence.NextRun(t.Recurrence, time.Now().UTC())
	}

	completed, err := e.store.CompleteTask(ctx, tenantID, taskID, store.CompletionUpdate{
		Status:     status,
		Result:     req.Result,
		Confidence: req.Confidence,
		Artifacts:  req.Artifacts,
		NextRunAt:  nextRun,
	})
	if err != nil {
		return nil, err
	}

	e.resolveDependents(ctx, tenantID, taskID)
	e.logActivity(ctx, tenantID, taskID, agent, "completed", map[string]any{
		"status": string(status),
	})
	return completed, nil
}

// resolveDependents removes every edge pointing at the completed task and
// unblocks dependents whose last edge just vanished. Each downstream update
// stands alone: one failure is logged and skipped, the rest proceed.
func (e *Engine) resolveDependents(ctx context.Context, tenantID, taskID string) {
	dependents, err := e.store.DeleteDependenciesOn(ctx, tenantID, taskID)
	if err != nil {
		log.Printf("[queue] cascade: delete edges for task %s: %v", taskID, err)
		return
	}

	for _, depTaskID := range dependents {
		remaining, err := e.store.CountDependencies(ctx, tenantID, depTaskID)
		if err != nil {
			log.Printf("[queue] cascade: count deps for task %s: %v", depTaskID, err)
			continue
		}
		if remaining > 0 {
			continue
		}

		unblocked, err := e.store.UnblockTask(ctx, tenantID, depTaskID)
		if err != nil {
			log.Printf("[queue] cascade: unblock task %s: %v", depTaskID, err)
			continue
		}
		if unblocked {
			e.logActivity(ctx, tenantID, depTaskID, "", "unblocked", map[string]any{
				"resolved_dependency": taskID,
			})
		}
	}
}

// Create validates a draft, writes the task, upserts its project label, and
// wires any initial dependency edges. The side effects are independent
// writes, not a transaction.
func (e *Engine) Create(ctx context.Context, d store.TaskDraft, dependsOn []string, agent string) (*model.Task, error) {
	if err := store.ValidateDraft(&d); err != nil {
		return nil, err
	}

	// Fail before the insert if a declared dependency does not exist.
	for _, depID := range dependsOn {
		if _, err := e.store.GetTask(ctx, d.TenantID, depID); err != nil {
			return nil, err
		}
	}

	t, err := e.store.CreateTask(ctx, d)
	if err != nil {
		return nil, err
	}

	if t.Project != "" {
		if _, err := e.store.UpsertProject(ctx, t.TenantID, t.Project); err != nil {
			log.Printf("[queue] project upsert %q: %v", t.Project, err)
		}
	}

	for _, depID := range dependsOn {
		if _, err := e.AddDependency(ctx, t.TenantID, t.ID, depID, agent); err != nil {
			log.Printf("[queue] initial dependency %s -> %s: %v", t.ID, depID, err)
		}
	}

	e.logActivity(ctx, t.TenantID, t.ID, agent, "created", nil)

	// Re-read so the caller sees the blocked status applied by edge wiring.
	if len(dependsOn) > 0 {
		if fresh, err := e.store.GetTask(ctx, t.TenantID, t.ID); err == nil {
			return fresh, nil
		}
	}
	return &t, nil
}

// BulkCreate validates the entire batch before any row is written; one bad
// draft rejects the whole batch with zero inserts.
func (e *Engine) BulkCreate(ctx context.Context, drafts []store.TaskDraft) ([]model.Task, error) {
	if err := store.ValidateBatch(drafts); err != nil {
		return nil, err
	}

	tasks, err := e.store.CreateTasks(ctx, drafts)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, t := range tasks {
		if t.Project == "" {
			continue
		}
		if _, ok := seen[t.Project]; ok {
			continue
		}
		seen[t.Project] = struct{}{}
		if _, err := e.store.UpsertProject(ctx, t.TenantID, t.Project); err != nil {
			log.Printf("[queue] project upsert %q: %v", t.Project, err)
		}
	}
	return tasks, nil
}

// BulkUpdateItem pairs a task id with its raw field map; the map is checked
// against the mutable-field whitelist before anything is written.
type BulkUpdateItem struct {
	ID     string
	Fields map[string]any
}

func (e *Engine) BulkUpdate(ctx context.Context, tenantID string, items []BulkUpdateItem) ([]model.Task, error) {
	if len(items) == 0 {
		return nil, &store.ValidationError{Message: "batch must not be empty"}
	}
	if len(items) > store.MaxBulkSize {
		return nil, &store.ValidationError{Message: "batch exceeds maximum size"}
	}

	patches := make([]store.TaskPatch, len(items))
	for i, item := range items {
		if item.ID == "" {
			return nil, &store.ValidationError{Fields: []string{"id"}, Message: "id is required"}
		}
		p, err := store.PatchFromMap(item.Fields)
		if err != nil {
			return nil, err
		}
		patches[i] = p
	}

	out := make([]model.Task, 0, len(items))
	for i, item := range items {
		t, err := e.store.UpdateTask(ctx, tenantID, item.ID, patches[i])
		if err != nil {
			return nil, err
		}
		if t.Project != "" && patches[i].Project != nil {
			if _, err := e.store.UpsertProject(ctx, tenantID, t.Project); err != nil {
				log.Printf("[queue] project upsert %q: %v", t.Project, err)
			}
		}
		out = append(out, *t)
	}
	return out, nil
}

// Update applies a whitelisted patch to one task.
func (e *Engine) Update(ctx context.Context, tenantID, taskID string, fields map[string]any) (*model.Task, error) {
	p, err := store.PatchFromMap(fields)
	if err != nil {
		return nil, err
	}
	t, err := e.store.UpdateTask(ctx, tenantID, taskID, p)
	if err != nil {
		return nil, err
	}
	if p.Project != nil && t.Project != "" {
		if _, err := e.store.UpsertProject(ctx, tenantID, t.Project); err != nil {
			log.Printf("[queue] project upsert %q: %v", t.Project, err)
		}
	}
	return t, nil
}

// SpawnSubtask creates a child task under parentID.
func (e *Engine) SpawnSubtask(ctx context.Context, parentID string, d store.TaskDraft, agent string) (*model.Task, error) {
	if _, err := e.store.GetTask(ctx, d.TenantID, parentID); err != nil {
		return nil, err
	}
	d.ParentTaskID = parentID
	return e.Create(ctx, d, nil, agent)
}

// AddDependency wires taskID to wait on dependsOnTaskID. Self-references are
// rejected outright; a task picking up its first edge while still todo is
// moved to blocked.
func (e *Engine) AddDependency(ctx context.Context, tenantID, taskID, dependsOnTaskID, agent string) (*model.TaskDependency, error) {
	if taskID == dependsOnTaskID {
		return nil, ErrSelfDependency
	}

	dep, err := e.store.AddDependency(ctx, tenantID, taskID, dependsOnTaskID)
	if err != nil {
		return nil, err
	}

	t, err := e.store.GetTask(ctx, tenantID, taskID)
	if err == nil && t.Status == model.TaskStatusTodo {
		blocked := model.TaskStatusBlocked
		if _, err := e.store.UpdateTask(ctx, tenantID, taskID, store.TaskPatch{Status: &blocked}); err != nil {
			log.Printf("[queue] block task %s after new edge: %v", taskID, err)
		}
	}

	e.logActivity(ctx, tenantID, taskID, agent, "dependency_added", map[string]any{
		"depends_on_task_id": dependsOnTaskID,
	})
	return &dep, nil
}

// RemoveDependency deletes one edge by row id and unblocks the task if that
// was the last edge and no free-text blockers remain.
func (e *Engine) RemoveDependency(ctx context.Context, tenantID, taskID, depID string) error {
	if err := e.store.RemoveDependency(ctx, tenantID, taskID, depID); err != nil {
		return err
	}

	remaining, err := e.store.CountDependencies(ctx, tenantID, taskID)
	if err != nil {
		log.Printf("[queue] count deps for task %s: %v", taskID, err)
		return nil
	}
	if remaining == 0 {
		if _, err := e.store.UnblockTask(ctx, tenantID, taskID); err != nil {
			log.Printf("[queue] unblock task %s: %v", taskID, err)
		}
	}
	return nil
}

// logActivity appends to the audit log. Audit writes never fail the primary
// operation; a lost entry is logged and tolerated.
func (e *Engine) logActivity(ctx context.Context, tenantID, taskID, agent, action string, details map[string]any) {
	_, err := e.store.AppendActivity(ctx, model.ActivityEntry{
		TenantID: tenantID,
		TaskID:   taskID,
		Agent:    agent,
		Action:   action,
		Details:  details,
	})
	if err != nil {
		log.Printf("[queue] activity %q for task %s: %v", action, taskID, err)
	}
}
