package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentqueue/internal/model"
	"agentqueue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	// Ping to fail fast.
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return store.ErrConflict
		case "23503":
			return store.ErrNotFound
		default:
			return fmt.Errorf("db_error %s: %s", pgErr.Code, pgErr.Message)
		}
	}
	return err
}

const taskCols = `
	id::text, tenant_id::text, title, coalesce(description, ''), intent, status, priority,
	coalesce(project, ''), coalesce(assigned_agent, ''), context, metadata, result,
	confidence, artifacts, blockers, attachments, requires_human_review, human_input_needed,
	coalesce(parent_task_id::text, ''), recurrence, coalesce(recurrence_source_id::text, ''),
	next_run_at, coalesce(created_by, ''), claimed_at, completed_at, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var contextJSON, metadataJSON, resultJSON, artifactsJSON, blockersJSON, attachmentsJSON, recurrenceJSON []byte
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.Title,
		&t.Description,
		&t.Intent,
		&t.Status,
		&t.Priority,
		&t.Project,
		&t.AssignedAgent,
		&contextJSON,
		&metadataJSON,
		&resultJSON,
		&t.Confidence,
		&artifactsJSON,
		&blockersJSON,
		&attachmentsJSON,
		&t.RequiresHumanReview,
		&t.HumanInputNeeded,
		&t.ParentTaskID,
		&recurrenceJSON,
		&t.RecurrenceSourceID,
		&t.NextRunAt,
		&t.CreatedBy,
		&t.ClaimedAt,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(contextJSON, &t.Context)
	_ = json.Unmarshal(metadataJSON, &t.Metadata)
	if resultJSON != nil {
		_ = json.Unmarshal(resultJSON, &t.Result)
	}
	_ = json.Unmarshal(artifactsJSON, &t.Artifacts)
	_ = json.Unmarshal(blockersJSON, &t.Blockers)
	_ = json.Unmarshal(attachmentsJSON, &t.Attachments)
	if recurrenceJSON != nil {
		var spec model.RecurrenceSpec
		if json.Unmarshal(recurrenceJSON, &spec) == nil {
			t.Recurrence = &spec
		}
	}
	return &t, nil
}

func mustJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}

func nullableJSON(v any) *string {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

func (s *Store) CreateTask(ctx context.Context, d store.TaskDraft) (model.Task, error) {
	t, err := s.insertTask(ctx, s.pool, d)
	if err != nil {
		return model.Task{}, err
	}
	return *t, nil
}

// CreateTasks inserts a whole batch in one transaction so a failure midway
// leaves no rows behind.
func (s *Store) CreateTasks(ctx context.Context, drafts []store.TaskDraft) ([]model.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]model.Task, 0, len(drafts))
	for _, d := range drafts {
		t, err := s.insertTask(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgErr(err)
	}
	return out, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) insertTask(ctx context.Context, q querier, d store.TaskDraft) (*model.Task, error) {
	if strings.TrimSpace(d.TenantID) == "" {
		return nil, errors.New("tenant_id_required")
	}
	if d.ParentTaskID != "" {
		var exists bool
		err := q.QueryRow(ctx, `
			select exists(select 1 from public.tasks where id = $1::uuid and tenant_id = $2::uuid)
		`, d.ParentTaskID, d.TenantID).Scan(&exists)
		if err != nil {
			return nil, mapPgErr(err)
		}
		if !exists {
			return nil, store.ErrNotFound
		}
	}

	var recurrence *string
	if d.Recurrence != nil {
		recurrence = nullableJSON(d.Recurrence)
	}

	row := q.QueryRow(ctx, `
		insert into public.tasks (
			tenant_id, title, description, intent, status, priority, project,
			context, metadata, requires_human_review, parent_task_id, recurrence,
			recurrence_source_id, confidence, created_by
		)
		values (
			$1::uuid, $2, nullif($3, ''), $4, 'todo', coalesce($5::int, 3), nullif($6, ''),
			$7::jsonb, $8::jsonb, $9, nullif($10, '')::uuid, $11::jsonb,
			nullif($12, '')::uuid, $13, nullif($14, '')
		)
		returning `+taskCols,
		d.TenantID, d.Title, d.Description, string(d.Intent), d.Priority, d.Project,
		mustJSON(d.Context, "{}"), mustJSON(d.Metadata, "{}"), d.RequiresHumanReview,
		d.ParentTaskID, recurrence, d.RecurrenceSourceID, d.Confidence, d.CreatedBy,
	)
	t, err := scanTask(row)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, tenantID, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `
		select `+taskCols+`
		from public.tasks
		where id = $1::uuid and tenant_id = $2::uuid
	`, id, tenantID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]model.Task, error) {
	where := []string{"tenant_id = $1::uuid"}
	args := []any{f.TenantID}

	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Intent != "" {
		add("intent = $%d", string(f.Intent))
	}
	if f.Project != "" {
		add("project = $%d", f.Project)
	}
	if f.AssignedAgent != "" {
		add("assigned_agent = $%d", f.AssignedAgent)
	}
	if f.ParentTaskID != "" {
		add("parent_task_id = $%d::uuid", f.ParentTaskID)
	}

	sql := `select ` + taskCols + ` from public.tasks where ` + strings.Join(where, " and ") + ` order by created_at asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, tenantID, id string, p store.TaskPatch) (*model.Task, error) {
	set := []string{"updated_at = now()"}
	args := []any{id, tenantID}

	add := func(clause string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}
	if p.Title != nil {
		add("title = $%d", *p.Title)
	}
	if p.Description != nil {
		add("description = nullif($%d, '')", *p.Description)
	}
	if p.Intent != nil {
		add("intent = $%d", string(*p.Intent))
	}
	if p.Status != nil {
		add("status = $%d", string(*p.Status))
	}
	if p.Priority != nil {
		add("priority = $%d", *p.Priority)
	}
	if p.Project != nil {
		add("project = nullif($%d, '')", *p.Project)
	}
	if p.Context != nil {
		add("context = $%d::jsonb", mustJSON(p.Context, "{}"))
	}
	if p.Metadata != nil {
		add("metadata = $%d::jsonb", mustJSON(p.Metadata, "{}"))
	}
	if p.Confidence != nil {
		add("confidence = $%d", *p.Confidence)
	}
	if p.RequiresHumanReview != nil {
		add("requires_human_review = $%d", *p.RequiresHumanReview)
	}
	if p.HumanInputNeeded != nil {
		add("human_input_needed = $%d", *p.HumanInputNeeded)
	}
	if p.Blockers != nil {
		add("blockers = $%d::jsonb", mustJSON(*p.Blockers, "[]"))
	}
	if p.Blocker != nil {
		// Append, never replace.
		add("blockers = blockers || to_jsonb($%d::text)", *p.Blocker)
	}
	if p.Recurrence != nil {
		add("recurrence = $%d::jsonb", mustJSON(p.Recurrence, "null"))
	}
	if p.NextRunAt != nil {
		add("next_run_at = $%d", *p.NextRunAt)
	}

	row := s.pool.QueryRow(ctx, `
		update public.tasks
		set `+strings.Join(set, ", ")+`
		where id = $1::uuid and tenant_id = $2::uuid
		returning `+taskCols, args...)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return t, nil
}

func (s *Store) DeleteTask(ctx context.Context, tenantID, id string) error {
	// Dependency edges go with the task via on delete cascade.
	tag, err := s.pool.Exec(ctx, `
		delete from public.tasks
		where id = $1::uuid and tenant_id = $2::uuid
	`, id, tenantID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// claimWhere builds the eligibility predicate shared by peek and claim.
// deleted_at gates claim eligibility only; other queries ignore it.
func claimWhere(f store.ClaimFilter, args *[]any) string {
	where := []string{
		"tenant_id = $1::uuid",
		"status = 'todo'",
		"assigned_agent is null",
		"deleted_at is null",
	}
	if len(f.Intents) > 0 {
		intents := make([]string, len(f.Intents))
		for i, in := range f.Intents {
			intents[i] = string(in)
		}
		*args = append(*args, intents)
		where = append(where, fmt.Sprintf("intent = any($%d)", len(*args)))
	}
	if f.Project != "" {
		*args = append(*args, f.Project)
		where = append(where, fmt.Sprintf("project = $%d", len(*args)))
	}
	if f.PriorityMin > 0 {
		*args = append(*args, f.PriorityMin)
		where = append(where, fmt.Sprintf("priority >= $%d", len(*args)))
	}
	return strings.Join(where, " and ")
}

func (s *Store) PeekTask(ctx context.Context, tenantID string, f store.ClaimFilter) (*model.Task, error) {
	args := []any{tenantID}
	row := s.pool.QueryRow(ctx, `
		select `+taskCols+`
		from public.tasks
		where `+claimWhere(f, &args)+`
		order by priority desc, created_at asc
		limit 1
	`, args...)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, mapPgErr(err)
	}
	return t, nil
}

// ClaimTask performs the conditional assignment. The where clause is the
// whole protocol: only a row that is still todo and unassigned can flip, so
// concurrent claimers race on the database, not in Go.
func (s *Store) ClaimTask(ctx context.Context, tenantID, taskID, agent string) (*model.Task, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, errors.New("agent_required")
	}

	row := s.pool.QueryRow(ctx, `
		update public.tasks
		set status = 'in_progress',
		    assigned_agent = $3,
		    claimed_at = now(),
		    updated_at = now()
		where id = $1::uuid
		  and tenant_id = $2::uuid
		  and status = 'todo'
		  and assigned_agent is null
		  and deleted_at is null
		returning `+taskCols, taskID, tenantID, agent)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapPgErr(err)
	}

	// No row flipped: either the task is gone or someone else claimed it.
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		select exists(select 1 from public.tasks where id = $1::uuid and tenant_id = $2::uuid)
	`, taskID, tenantID).Scan(&exists); err != nil {
		return nil, mapPgErr(err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

func (s *Store) CompleteTask(ctx context.Context, tenantID, id string, u store.CompletionUpdate) (*model.Task, error) {
	var result *string
	if u.Result != nil {
		result = nullableJSON(u.Result)
	}
	var artifacts *string
	if u.Artifacts != nil {
		artifacts = nullableJSON(u.Artifacts)
	}

	row := s.pool.QueryRow(ctx, `
		update public.tasks
		set status = $3,
		    result = coalesce($4::jsonb, result),
		    confidence = coalesce($5, confidence),
		    artifacts = coalesce($6::jsonb, artifacts),
		    next_run_at = $7,
		    completed_at = now(),
		    updated_at = now()
		where id = $1::uuid
		  and tenant_id = $2::uuid
		  and status = 'in_progress'
		returning `+taskCols,
		id, tenantID, string(u.Status), result, u.Confidence, artifacts, u.NextRunAt)
	t, err := scanTask(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapPgErr(err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `
		select exists(select 1 from public.tasks where id = $1::uuid and tenant_id = $2::uuid)
	`, id, tenantID).Scan(&exists); err != nil {
		return nil, mapPgErr(err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

func (s *Store) AddDependency(ctx context.Context, tenantID, taskID, dependsOnTaskID string) (model.TaskDependency, error) {
	var both bool
	err := s.pool.QueryRow(ctx, `
		select count(*) = 2
		from public.tasks
		where id in ($1::uuid, $2::uuid) and tenant_id = $3::uuid
	`, taskID, dependsOnTaskID, tenantID).Scan(&both)
	if err != nil {
		return model.TaskDependency{}, mapPgErr(err)
	}
	if !both {
		return model.TaskDependency{}, store.ErrNotFound
	}

	var d model.TaskDependency
	err = s.pool.QueryRow(ctx, `
		insert into public.task_dependencies (tenant_id, task_id, depends_on_task_id)
		values ($1::uuid, $2::uuid, $3::uuid)
		returning id::text, tenant_id::text, task_id::text, depends_on_task_id::text, created_at
	`, tenantID, taskID, dependsOnTaskID).Scan(&d.ID, &d.TenantID, &d.TaskID, &d.DependsOnTaskID, &d.CreatedAt)
	if err != nil {
		return model.TaskDependency{}, mapPgErr(err)
	}
	return d, nil
}

func (s *Store) ListDependencies(ctx context.Context, tenantID, taskID string) ([]model.TaskDependency, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, tenant_id::text, task_id::text, depends_on_task_id::text, created_at
		from public.task_dependencies
		where tenant_id = $1::uuid and task_id = $2::uuid
		order by created_at asc
	`, tenantID, taskID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]model.TaskDependency, 0)
	for rows.Next() {
		var d model.TaskDependency
		if err := rows.Scan(&d.ID, &d.TenantID, &d.TaskID, &d.DependsOnTaskID, &d.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) RemoveDependency(ctx context.Context, tenantID, taskID, depID string) error {
	tag, err := s.pool.Exec(ctx, `
		delete from public.task_dependencies
		where id = $1::uuid and tenant_id = $2::uuid and task_id = $3::uuid
	`, depID, tenantID, taskID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDependenciesOn(ctx context.Context, tenantID, taskID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		delete from public.task_dependencies
		where tenant_id = $1::uuid and depends_on_task_id = $2::uuid
		returning task_id::text
	`, tenantID, taskID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var dependents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPgErr(err)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			dependents = append(dependents, id)
		}
	}
	return dependents, rows.Err()
}

func (s *Store) CountDependencies(ctx context.Context, tenantID, taskID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		select count(*)
		from public.task_dependencies
		where tenant_id = $1::uuid and task_id = $2::uuid
	`, tenantID, taskID).Scan(&n)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return n, nil
}

func (s *Store) UnblockTask(ctx context.Context, tenantID, taskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		update public.tasks
		set status = 'todo', updated_at = now()
		where id = $1::uuid
		  and tenant_id = $2::uuid
		  and status = 'blocked'
		  and blockers = '[]'::jsonb
	`, taskID, tenantID)
	if err != nil {
		return false, mapPgErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CreateMessage(ctx context.Context, m model.TaskMessage) (model.TaskMessage, error) {
	if strings.TrimSpace(m.Content) == "" {
		return model.TaskMessage{}, errors.New("content_required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.TaskMessage{}, mapPgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The task row doubles as the conversation flag: an agent message raises
	// human_input_needed, a human message clears it.
	tag, err := tx.Exec(ctx, `
		update public.tasks
		set human_input_needed = $3, updated_at = now()
		where id = $1::uuid and tenant_id = $2::uuid
	`, m.TaskID, m.TenantID, !m.SenderIsHuman)
	if err != nil {
		return model.TaskMessage{}, mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return model.TaskMessage{}, store.ErrNotFound
	}

	var out model.TaskMessage
	err = tx.QueryRow(ctx, `
		insert into public.task_messages (tenant_id, task_id, sender, sender_is_human, content)
		values ($1::uuid, $2::uuid, $3, $4, $5)
		returning id::text, tenant_id::text, task_id::text, sender, sender_is_human, content, created_at
	`, m.TenantID, m.TaskID, m.Sender, m.SenderIsHuman, m.Content).Scan(
		&out.ID, &out.TenantID, &out.TaskID, &out.Sender, &out.SenderIsHuman, &out.Content, &out.CreatedAt,
	)
	if err != nil {
		return model.TaskMessage{}, mapPgErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.TaskMessage{}, mapPgErr(err)
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, taskID string) ([]model.TaskMessage, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, tenant_id::text, task_id::text, sender, sender_is_human, content, created_at
		from public.task_messages
		where tenant_id = $1::uuid and task_id = $2::uuid
		order by created_at asc
	`, tenantID, taskID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]model.TaskMessage, 0)
	for rows.Next() {
		var m model.TaskMessage
		if err := rows.Scan(&m.ID, &m.TenantID, &m.TaskID, &m.Sender, &m.SenderIsHuman, &m.Content, &m.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AddAttachment(ctx context.Context, tenantID, taskID string, a model.Attachment) (*model.Task, error) {
	if strings.TrimSpace(a.URL) == "" {
		return nil, errors.New("url_required")
	}

	row := s.pool.QueryRow(ctx, `
		update public.tasks
		set attachments = attachments || $3::jsonb, updated_at = now()
		where id = $1::uuid and tenant_id = $2::uuid
		returning `+taskCols, taskID, tenantID, mustJSON([]model.Attachment{a}, "[]"))
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return t, nil
}

func (s *Store) AppendActivity(ctx context.Context, e model.ActivityEntry) (model.ActivityEntry, error) {
	if strings.TrimSpace(e.Action) == "" {
		return model.ActivityEntry{}, errors.New("action_required")
	}

	var out model.ActivityEntry
	var detailsJSON []byte
	err := s.pool.QueryRow(ctx, `
		insert into public.task_activity (tenant_id, task_id, agent, action, details)
		values ($1::uuid, nullif($2, '')::uuid, nullif($3, ''), $4, $5::jsonb)
		returning id::text, tenant_id::text, coalesce(task_id::text, ''), coalesce(agent, ''), action, details, created_at
	`, e.TenantID, e.TaskID, e.Agent, e.Action, mustJSON(e.Details, "{}")).Scan(
		&out.ID, &out.TenantID, &out.TaskID, &out.Agent, &out.Action, &detailsJSON, &out.CreatedAt,
	)
	if err != nil {
		return model.ActivityEntry{}, mapPgErr(err)
	}
	_ = json.Unmarshal(detailsJSON, &out.Details)
	return out, nil
}

func (s *Store) ListActivity(ctx context.Context, tenantID, taskID string, limit int) ([]model.ActivityEntry, error) {
	where := "tenant_id = $1::uuid"
	args := []any{tenantID}
	if taskID != "" {
		args = append(args, taskID)
		where += fmt.Sprintf(" and task_id = $%d::uuid", len(args))
	}
	sql := `
		select id::text, tenant_id::text, coalesce(task_id::text, ''), coalesce(agent, ''), action, details, created_at
		from public.task_activity
		where ` + where + ` order by created_at desc`
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]model.ActivityEntry, 0)
	for rows.Next() {
		var e model.ActivityEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TaskID, &e.Agent, &e.Action, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		_ = json.Unmarshal(detailsJSON, &e.Details)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeActivityBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		delete from public.task_activity
		where created_at < $1
	`, cutoff)
	if err != nil {
		return 0, mapPgErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) UpsertProject(ctx context.Context, tenantID, name string) (model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Project{}, errors.New("name_required")
	}

	var p model.Project
	err := s.pool.QueryRow(ctx, `
		insert into public.projects (tenant_id, name)
		values ($1::uuid, $2)
		on conflict (tenant_id, lower(name)) do update set name = public.projects.name
		returning id::text, tenant_id::text, name, created_at
	`, tenantID, name).Scan(&p.ID, &p.TenantID, &p.Name, &p.CreatedAt)
	if err != nil {
		return model.Project{}, mapPgErr(err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, tenantID string) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, tenant_id::text, name, created_at
		from public.projects
		where tenant_id = $1::uuid
		order by created_at asc
	`, tenantID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]model.Project, 0)
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
