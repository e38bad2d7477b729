package store

import (
	"context"
	"errors"
	"time"

	"agentqueue/internal/model"
)

var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
)

// TaskFilter narrows ListTasks. TenantID is mandatory; the zero value of any
// other field means "no constraint".
type TaskFilter struct {
	TenantID      string
	Status        model.TaskStatus
	Intent        model.TaskIntent
	Project       string
	AssignedAgent string
	ParentTaskID  string
	Limit         int
}

// ClaimFilter narrows Peek/Claim candidate selection.
type ClaimFilter struct {
	Intents     []model.TaskIntent
	Project     string
	PriorityMin int
}

func (f ClaimFilter) MatchIntent(i model.TaskIntent) bool {
	if len(f.Intents) == 0 {
		return true
	}
	for _, want := range f.Intents {
		if want == i {
			return true
		}
	}
	return false
}

// TaskDraft is a validated create payload. Validate must pass before a draft
// reaches a store implementation.
type TaskDraft struct {
	TenantID            string                `json:"tenant_id"`
	Title               string                `json:"title"`
	Description         string                `json:"description"`
	Intent              model.TaskIntent      `json:"intent"`
	Priority            *int                  `json:"priority"`
	Project             string                `json:"project"`
	Context             map[string]any        `json:"context"`
	Metadata            map[string]any        `json:"metadata"`
	Confidence          *float64              `json:"confidence"`
	RequiresHumanReview bool                  `json:"requires_human_review"`
	ParentTaskID        string                `json:"parent_task_id"`
	Recurrence          *model.RecurrenceSpec `json:"recurrence"`
	RecurrenceSourceID  string                `json:"recurrence_source_id"`
	CreatedBy           string                `json:"created_by"`
}

// TaskPatch is a partial update; nil fields are left untouched. Blocker, when
// set, is appended to the task's blockers list (it does not replace it).
type TaskPatch struct {
	Title               *string
	Description         *string
	Intent              *model.TaskIntent
	Status              *model.TaskStatus
	Priority            *int
	Project             *string
	Context             map[string]any
	Metadata            map[string]any
	Confidence          *float64
	RequiresHumanReview *bool
	HumanInputNeeded    *bool
	Blockers            *[]string
	Blocker             *string
	Recurrence          *model.RecurrenceSpec
	NextRunAt           *time.Time
}

func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Intent == nil &&
		p.Status == nil && p.Priority == nil && p.Project == nil &&
		p.Context == nil && p.Metadata == nil && p.Confidence == nil &&
		p.RequiresHumanReview == nil && p.HumanInputNeeded == nil &&
		p.Blockers == nil && p.Blocker == nil && p.Recurrence == nil &&
		p.NextRunAt == nil
}

// CompletionUpdate is applied when a task is completed. Status is review or
// done (decided by the engine from requires_human_review); NextRunAt carries
// the recomputed recurrence instant, nil when the task does not recur.
type CompletionUpdate struct {
	Status     model.TaskStatus
	Result     map[string]any
	Confidence *float64
	Artifacts  []string
	NextRunAt  *time.Time
}

type Store interface {
	// Accounts and credentials.
	CreateAccount(ctx context.Context, a model.Account) (model.Account, error)
	GetAccountByName(ctx context.Context, name string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)

	CreateAPIKey(ctx context.Context, k model.APIKey) (model.APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID string) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, id string) error
	// GetAPIKeyByHash resolves a presented credential; it is the one lookup
	// that is not tenant-scoped, since the key record names its tenant.
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error

	// Tasks.
	CreateTask(ctx context.Context, d TaskDraft) (model.Task, error)
	CreateTasks(ctx context.Context, drafts []TaskDraft) ([]model.Task, error)
	GetTask(ctx context.Context, tenantID, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error)
	UpdateTask(ctx context.Context, tenantID, id string, p TaskPatch) (*model.Task, error)
	DeleteTask(ctx context.Context, tenantID, id string) error

	// Claim protocol primitives. PeekTask returns (nil, nil) when nothing is
	// eligible; ClaimTask performs the conditional assignment and returns
	// ErrConflict when another caller won the race.
	PeekTask(ctx context.Context, tenantID string, f ClaimFilter) (*model.Task, error)
	ClaimTask(ctx context.Context, tenantID, taskID, agent string) (*model.Task, error)
	CompleteTask(ctx context.Context, tenantID, id string, u CompletionUpdate) (*model.Task, error)

	// Dependencies.
	AddDependency(ctx context.Context, tenantID, taskID, dependsOnTaskID string) (model.TaskDependency, error)
	ListDependencies(ctx context.Context, tenantID, taskID string) ([]model.TaskDependency, error)
	RemoveDependency(ctx context.Context, tenantID, taskID, depID string) error
	// DeleteDependenciesOn removes every edge pointing at the given task and
	// returns the distinct dependent task ids whose edge was removed.
	DeleteDependenciesOn(ctx context.Context, tenantID, taskID string) ([]string, error)
	CountDependencies(ctx context.Context, tenantID, taskID string) (int, error)
	// UnblockTask moves a task from blocked to todo if its blockers list is
	// empty; reports whether the transition happened.
	UnblockTask(ctx context.Context, tenantID, taskID string) (bool, error)

	// Messages.
	CreateMessage(ctx context.Context, m model.TaskMessage) (model.TaskMessage, error)
	ListMessages(ctx context.Context, tenantID, taskID string) ([]model.TaskMessage, error)

	// Attachments.
	AddAttachment(ctx context.Context, tenantID, taskID string, a model.Attachment) (*model.Task, error)

	// Activity log.
	AppendActivity(ctx context.Context, e model.ActivityEntry) (model.ActivityEntry, error)
	ListActivity(ctx context.Context, tenantID, taskID string, limit int) ([]model.ActivityEntry, error)
	// PurgeActivityBefore drops entries older than cutoff across all tenants
	// and returns how many were removed.
	PurgeActivityBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Projects.
	UpsertProject(ctx context.Context, tenantID, name string) (model.Project, error)
	ListProjects(ctx context.Context, tenantID string) ([]model.Project, error)
}
