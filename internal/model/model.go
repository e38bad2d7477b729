package model

import "time"

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// TaskIntent tags what kind of work a task represents.
type TaskIntent string

const (
	TaskIntentCode     TaskIntent = "code"
	TaskIntentResearch TaskIntent = "research"
	TaskIntentReview   TaskIntent = "review"
	TaskIntentChore    TaskIntent = "chore"
	TaskIntentOps      TaskIntent = "ops"
	TaskIntentOther    TaskIntent = "other"
)

const (
	PriorityMin     = 1
	PriorityMax     = 5
	PriorityDefault = 3
)

func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked, TaskStatusReview, TaskStatusDone:
		return true
	}
	return false
}

func ValidIntent(i TaskIntent) bool {
	switch i {
	case TaskIntentCode, TaskIntentResearch, TaskIntentReview, TaskIntentChore, TaskIntentOps, TaskIntentOther:
		return true
	}
	return false
}

// RecurrenceSpec is a tagged union describing how to compute a task's next
// scheduled instant. Only the fields matching Type are meaningful; unknown
// types compute to no next run.
type RecurrenceSpec struct {
	Type string `json:"type"`

	// interval
	IntervalMS    int64 `json:"interval_ms,omitempty"`
	IntervalHours int64 `json:"interval_hours,omitempty"`
	IntervalDays  int64 `json:"interval_days,omitempty"`

	// daily / weekly: "HH:MM" in UTC
	Time string `json:"time,omitempty"`
	// weekly: 0 = Sunday .. 6 = Saturday
	Day int `json:"day,omitempty"`

	// cron: "min hour dom month dow"
	Expression string `json:"expression,omitempty"`
}

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

type Task struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"tenant_id"`
	Title               string          `json:"title"`
	Description         string          `json:"description,omitempty"`
	Intent              TaskIntent      `json:"intent"`
	Status              TaskStatus      `json:"status"`
	Priority            int             `json:"priority"`
	Project             string          `json:"project,omitempty"`
	AssignedAgent       string          `json:"assigned_agent,omitempty"`
	Context             map[string]any  `json:"context,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	Result              map[string]any  `json:"result,omitempty"`
	Confidence          *float64        `json:"confidence,omitempty"`
	Artifacts           []string        `json:"artifacts,omitempty"`
	Blockers            []string        `json:"blockers,omitempty"`
	Attachments         []Attachment    `json:"attachments,omitempty"`
	RequiresHumanReview bool            `json:"requires_human_review"`
	HumanInputNeeded    bool            `json:"human_input_needed"`
	ParentTaskID        string          `json:"parent_task_id,omitempty"`
	Recurrence          *RecurrenceSpec `json:"recurrence,omitempty"`
	RecurrenceSourceID  string          `json:"recurrence_source_id,omitempty"`
	NextRunAt           *time.Time      `json:"next_run_at,omitempty"`
	CreatedBy           string          `json:"created_by,omitempty"`
	ClaimedAt           *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	DeletedAt           *time.Time      `json:"deleted_at,omitempty"`
}

// Claimable reports whether the task is eligible for Peek/Claim selection.
func (t Task) Claimable() bool {
	return t.Status == TaskStatusTodo && t.AssignedAgent == "" && t.DeletedAt == nil
}

type TaskDependency struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	TaskID          string    `json:"task_id"`
	DependsOnTaskID string    `json:"depends_on_task_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type TaskMessage struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	TaskID        string    `json:"task_id"`
	Sender        string    `json:"sender"`
	SenderIsHuman bool      `json:"sender_is_human"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

type ActivityEntry struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	TaskID    string         `json:"task_id"`
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Project struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
