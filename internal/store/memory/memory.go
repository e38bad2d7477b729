// Package memory is an in-process Store used for tests and single-node runs.
// A single mutex serializes all operations, which is what makes the claim
// compare-and-swap trivially atomic here.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"agentqueue/internal/model"
	"agentqueue/internal/store"
)

type Store struct {
	mu sync.Mutex

	accounts map[string]model.Account
	apiKeys  map[string]model.APIKey
	tasks    map[string]model.Task
	deps     map[string]model.TaskDependency
	messages map[string]model.TaskMessage
	activity map[string]model.ActivityEntry
	projects map[string]model.Project
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[string]model.Account),
		apiKeys:  make(map[string]model.APIKey),
		tasks:    make(map[string]model.Task),
		deps:     make(map[string]model.TaskDependency),
		messages: make(map[string]model.TaskMessage),
		activity: make(map[string]model.ActivityEntry),
		projects: make(map[string]model.Project),
	}
}

type errWithCode string

func (e errWithCode) Error() string { return string(e) }

// taskForTenant resolves a task id under a tenant. A task owned by another
// tenant is indistinguishable from a missing one.
func (s *Store) taskForTenant(tenantID, id string) (model.Task, bool) {
	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return model.Task{}, false
	}
	return t, true
}

func (s *Store) CreateTask(_ context.Context, d store.TaskDraft) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTaskLocked(d)
}

func (s *Store) createTaskLocked(d store.TaskDraft) (model.Task, error) {
	if strings.TrimSpace(d.TenantID) == "" {
		return model.Task{}, errWithCode("tenant_id_required")
	}
	if d.ParentTaskID != "" {
		if _, ok := s.taskForTenant(d.TenantID, d.ParentTaskID); !ok {
			return model.Task{}, store.ErrNotFound
		}
	}

	priority := model.PriorityDefault
	if d.Priority != nil {
		priority = *d.Priority
	}

	now := time.Now().UTC()
	t := model.Task{
		ID:                  newID(),
		TenantID:            d.TenantID,
		Title:               d.Title,
		Description:         d.Description,
		Intent:              d.Intent,
		Status:              model.TaskStatusTodo,
		Priority:            priority,
		Project:             d.Project,
		Context:             d.Context,
		Metadata:            d.Metadata,
		Confidence:          d.Confidence,
		RequiresHumanReview: d.RequiresHumanReview,
		ParentTaskID:        d.ParentTaskID,
		Recurrence:          d.Recurrence,
		RecurrenceSourceID:  d.RecurrenceSourceID,
		CreatedBy:           d.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) CreateTasks(_ context.Context, drafts []store.TaskDraft) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0, len(drafts))
	for _, d := range drafts {
		t, err := s.createTaskLocked(d)
		if err != nil {
			for _, created := range out {
				delete(s.tasks, created.ID)
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetTask(_ context.Context, tenantID, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taskForTenant(tenantID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListTasks(_ context.Context, f store.TaskFilter) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0)
	for _, t := range s.tasks {
		if t.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Intent != "" && t.Intent != f.Intent {
			continue
		}
		if f.Project != "" && t.Project != f.Project {
			continue
		}
		if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
			continue
		}
		if f.ParentTaskID != "" && t.ParentTaskID != f.ParentTaskID {
			continue
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateTask(_ context.Context, tenantID, id string, p store.TaskPatch) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taskForTenant(tenantID, id)
	if !ok {
		return nil, store.ErrNotFound
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Intent != nil {
		t.Intent = *p.Intent
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Project != nil {
		t.Project = *p.Project
	}
	if p.Context != nil {
		t.Context = p.Context
	}
	if p.Metadata != nil {
		t.Metadata = p.Metadata
	}
	if p.Confidence != nil {
		t.Confidence = p.Confidence
	}
	if p.RequiresHumanReview != nil {
		t.RequiresHumanReview = *p.RequiresHumanReview
	}
	if p.HumanInputNeeded != nil {
		t.HumanInputNeeded = *p.HumanInputNeeded
	}
	if p.Blockers != nil {
		t.Blockers = *p.Blockers
	}
	if p.Blocker != nil {
		t.Blockers = append(t.Blockers, *p.Blocker)
	}
	if p.Recurrence != nil {
		t.Recurrence = p.Recurrence
	}
	if p.NextRunAt != nil {
		t.NextRunAt = p.NextRunAt
	}

	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *Store) DeleteTask(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.taskForTenant(tenantID, id); !ok {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	for depID, d := range s.deps {
		if d.TenantID == tenantID && (d.TaskID == id || d.DependsOnTaskID == id) {
			delete(s.deps, depID)
		}
	}
	return nil
}

func (s *Store) PeekTask(_ context.Context, tenantID string, f store.ClaimFilter) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.peekLocked(tenantID, f)
	return t, nil
}

func (s *Store) peekLocked(tenantID string, f store.ClaimFilter) *model.Task {
	var candidates []model.Task
	for _, t := range s.tasks {
		if t.TenantID != tenantID || !t.Claimable() {
			continue
		}
		if !f.MatchIntent(t.Intent) {
			continue
		}
		if f.Project != "" && t.Project != f.Project {
			continue
		}
		if f.PriorityMin > 0 && t.Priority < f.PriorityMin {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Highest priority first, oldest first within a priority band.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	t := candidates[0]
	return &t
}

func (s *Store) ClaimTask(_ context.Context, tenantID, taskID, agent string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(agent) == "" {
		return nil, errWithCode("agent_required")
	}

	t, ok := s.taskForTenant(tenantID, taskID)
	if !ok {
		return nil, store.ErrNotFound
	}
	// The guard mirrors the conditional UPDATE in the postgres store: a task
	// that is no longer todo/unassigned means another caller won the race.
	if !t.Claimable() {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	t.Status = model.TaskStatusInProgress
	t.AssignedAgent = agent
	t.ClaimedAt = &now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *Store) CompleteTask(_ context.Context, tenantID, id string, u store.CompletionUpdate) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taskForTenant(tenantID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != model.TaskStatusInProgress {
		return nil, store.ErrConflict
	}

	now := time.Now().UTC()
	t.Status = u.Status
	t.Result = u.Result
	if u.Confidence != nil {
		t.Confidence = u.Confidence
	}
	if u.Artifacts != nil {
		t.Artifacts = u.Artifacts
	}
	t.NextRunAt = u.NextRunAt
	t.CompletedAt = &now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *Store) AddDependency(_ context.Context, tenantID, taskID, dependsOnTaskID string) (model.TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.taskForTenant(tenantID, taskID); !ok {
		return model.TaskDependency{}, store.ErrNotFound
	}
	if _, ok := s.taskForTenant(tenantID, dependsOnTaskID); !ok {
		return model.TaskDependency{}, store.ErrNotFound
	}
	for _, d := range s.deps {
		if d.TenantID == tenantID && d.TaskID == taskID && d.DependsOnTaskID == dependsOnTaskID {
			return model.TaskDependency{}, store.ErrConflict
		}
	}

	d := model.TaskDependency{
		ID:              newID(),
		TenantID:        tenantID,
		TaskID:          taskID,
		DependsOnTaskID: dependsOnTaskID,
		CreatedAt:       time.Now().UTC(),
	}
	s.deps[d.ID] = d
	return d, nil
}

func (s *Store) ListDependencies(_ context.Context, tenantID, taskID string) ([]model.TaskDependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TaskDependency, 0)
	for _, d := range s.deps {
		if d.TenantID == tenantID && d.TaskID == taskID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RemoveDependency(_ context.Context, tenantID, taskID, depID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deps[depID]
	if !ok || d.TenantID != tenantID || d.TaskID != taskID {
		return store.ErrNotFound
	}
	delete(s.deps, depID)
	return nil
}

func (s *Store) DeleteDependenciesOn(_ context.Context, tenantID, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var dependents []string
	for id, d := range s.deps {
		if d.TenantID != tenantID || d.DependsOnTaskID != taskID {
			continue
		}
		delete(s.deps, id)
		if _, ok := seen[d.TaskID]; !ok {
			seen[d.TaskID] = struct{}{}
			dependents = append(dependents, d.TaskID)
		}
	}
	sort.Strings(dependents)
	return dependents, nil
}

func (s *Store) CountDependencies(_ context.Context, tenantID, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, d := range s.deps {
		if d.TenantID == tenantID && d.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (s *Store) UnblockTask(_ context.Context, tenantID, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.taskForTenant(tenantID, taskID)
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != model.TaskStatusBlocked || len(t.Blockers) > 0 {
		return false, nil
	}

	t.Status = model.TaskStatusTodo
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return true, nil
}

func (s *Store) CreateMessage(_ context.Context, m model.TaskMessage) (model.TaskMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(m.Content) == "" {
		return model.TaskMessage{}, errWithCode("content_required")
	}
	t, ok := s.taskForTenant(m.TenantID, m.TaskID)
	if !ok {
		return model.TaskMessage{}, store.ErrNotFound
	}

	now := time.Now().UTC()
	m.ID = newID()
	m.CreatedAt = now
	s.messages[m.ID] = m

	// An agent message asks for human input; a human message answers it.
	t.HumanInputNeeded = !m.SenderIsHuman
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, tenantID, taskID string) ([]model.TaskMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.TaskMessage, 0)
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.TaskID == taskID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) AddAttachment(_ context.Context, tenantID, taskID string, a model.Attachment) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(a.URL) == "" {
		return nil, errWithCode("url_required")
	}
	t, ok := s.taskForTenant(tenantID, taskID)
	if !ok {
		return nil, store.ErrNotFound
	}

	t.Attachments = append(t.Attachments, a)
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return &t, nil
}

func (s *Store) AppendActivity(_ context.Context, e model.ActivityEntry) (model.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.Action) == "" {
		return model.ActivityEntry{}, errWithCode("action_required")
	}
	e.ID = newID()
	e.CreatedAt = time.Now().UTC()
	s.activity[e.ID] = e
	return e, nil
}

func (s *Store) ListActivity(_ context.Context, tenantID, taskID string, limit int) ([]model.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ActivityEntry, 0)
	for _, e := range s.activity {
		if e.TenantID != tenantID {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeActivityBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.activity {
		if e.CreatedAt.Before(before) {
			delete(s.activity, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) UpsertProject(_ context.Context, tenantID, name string) (model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return model.Project{}, errWithCode("name_required")
	}
	for _, p := range s.projects {
		if p.TenantID == tenantID && strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}

	p := model.Project{
		ID:        newID(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) ListProjects(_ context.Context, tenantID string) ([]model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Project, 0)
	for _, p := range s.projects {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
