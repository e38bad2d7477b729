package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agentqueue/internal/model"
	"agentqueue/internal/queue"
	"agentqueue/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// writeDomainError maps engine and store errors onto the HTTP taxonomy.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_failed", verr.Error())
	case errors.Is(err, queue.ErrSelfDependency):
		writeError(w, http.StatusBadRequest, "self_dependency", "a task cannot depend on itself")
	case errors.Is(err, queue.ErrNoEligibleTasks):
		writeError(w, http.StatusNotFound, "no_eligible_tasks", "no task matched the claim filters")
	case errors.Is(err, queue.ErrClaimRace):
		writeError(w, http.StatusConflict, "claim_conflict", "task was claimed by another agent; retry")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type createTaskRequest struct {
	Title               string                `json:"title"`
	Description         string                `json:"description"`
	Intent              model.TaskIntent      `json:"intent"`
	// A pointer keeps "priority": 0 distinguishable from an omitted field, so
	// zero is rejected instead of silently defaulted.
	Priority            *int                  `json:"priority"`
	Project             string                `json:"project"`
	Context             map[string]any        `json:"context"`
	Metadata            map[string]any        `json:"metadata"`
	Confidence          *float64              `json:"confidence"`
	RequiresHumanReview bool                  `json:"requires_human_review"`
	Recurrence          *model.RecurrenceSpec `json:"recurrence"`
	DependsOn           []string              `json:"depends_on"`
}

func (req createTaskRequest) draft(p Principal) store.TaskDraft {
	return store.TaskDraft{
		TenantID:            p.TenantID,
		Title:               req.Title,
		Description:         req.Description,
		Intent:              req.Intent,
		Priority:            req.Priority,
		Project:             req.Project,
		Context:             req.Context,
		Metadata:            req.Metadata,
		Confidence:          req.Confidence,
		RequiresHumanReview: req.RequiresHumanReview,
		Recurrence:          req.Recurrence,
		CreatedBy:           p.Agent,
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := store.TaskFilter{
			TenantID:      p.TenantID,
			Status:        model.TaskStatus(q.Get("status")),
			Intent:        model.TaskIntent(q.Get("intent")),
			Project:       q.Get("project"),
			AssignedAgent: q.Get("assigned_agent"),
			ParentTaskID:  q.Get("parent_task_id"),
		}
		tasks, err := s.store.ListTasks(r.Context(), f)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, tasks)

	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		task, err := s.engine.Create(r.Context(), req.draft(p), req.DependsOn, p.Agent)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusCreated, task)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleTasksBulk(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())

	switch r.Method {
	case http.MethodPost:
		var req struct {
			Tasks []createTaskRequest `json:"tasks"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		drafts := make([]store.TaskDraft, len(req.Tasks))
		for i, t := range req.Tasks {
			drafts[i] = t.draft(p)
		}
		tasks, err := s.engine.BulkCreate(r.Context(), drafts)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusCreated, tasks)

	case http.MethodPatch:
		var req struct {
			Updates []struct {
				ID     string         `json:"id"`
				Fields map[string]any `json:"fields"`
			} `json:"updates"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		items := make([]queue.BulkUpdateItem, len(req.Updates))
		for i, u := range req.Updates {
			items[i] = queue.BulkUpdateItem{ID: u.ID, Fields: u.Fields}
		}
		tasks, err := s.engine.BulkUpdate(r.Context(), p.TenantID, items)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, tasks)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func claimFilterFromQuery(q url.Values) store.ClaimFilter {
	var f store.ClaimFilter
	if raw := q.Get("intents"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				f.Intents = append(f.Intents, model.TaskIntent(part))
			}
		}
	}
	f.Project = q.Get("project")
	// Bad numbers read as zero, meaning no constraint.
	f.PriorityMin, _ = strconv.Atoi(q.Get("priority_min"))
	return f
}

func (s *Server) handleTasksPeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	p := principalFromContext(r.Context())

	task, err := s.engine.Peek(r.Context(), p.TenantID, claimFilterFromQuery(r.URL.Query()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// No candidate is an empty result, not an error.
	writeData(w, http.StatusOK, task)
}

type claimRequest struct {
	Agent       string             `json:"agent"`
	Intents     []model.TaskIntent `json:"intents"`
	Project     string             `json:"project"`
	PriorityMin int                `json:"priority_min"`
}

func (s *Server) handleTasksClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	p := principalFromContext(r.Context())

	var req claimRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	agent := strings.TrimSpace(req.Agent)
	if agent == "" {
		agent = p.Agent
	}
	if agent == "" {
		writeError(w, http.StatusBadRequest, "agent_required", "claim needs an agent name")
		return
	}

	task, err := s.engine.Claim(r.Context(), p.TenantID, store.ClaimFilter{
		Intents:     req.Intents,
		Project:     req.Project,
		PriorityMin: req.PriorityMin,
	}, agent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		task, err := s.store.GetTask(r.Context(), p.TenantID, id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, task)

	case http.MethodPatch:
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		task, err := s.engine.Update(r.Context(), p.TenantID, id, fields)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, task)

	case http.MethodDelete:
		if err := s.store.DeleteTask(r.Context(), p.TenantID, id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"deleted": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

type completeRequest struct {
	Result     map[string]any `json:"result"`
	Confidence *float64       `json:"confidence"`
	Artifacts  []string       `json:"artifacts"`
}

func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	p := principalFromContext(r.Context())

	var req completeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	task, err := s.engine.Complete(r.Context(), p.TenantID, r.PathValue("id"), p.Agent, queue.CompleteRequest{
		Result:     req.Result,
		Confidence: req.Confidence,
		Artifacts:  req.Artifacts,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, task)
}

func (s *Server) handleTaskSubtasks(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	parentID := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		tasks, err := s.store.ListTasks(r.Context(), store.TaskFilter{
			TenantID:     p.TenantID,
			ParentTaskID: parentID,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, tasks)

	case http.MethodPost:
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		task, err := s.engine.SpawnSubtask(r.Context(), parentID, req.draft(p), p.Agent)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusCreated, task)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	taskID := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		deps, err := s.store.ListDependencies(r.Context(), p.TenantID, taskID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, deps)

	case http.MethodPost:
		var req struct {
			DependsOnTaskID string `json:"depends_on_task_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		dep, err := s.engine.AddDependency(r.Context(), p.TenantID, taskID, req.DependsOnTaskID, p.Agent)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusCreated, dep)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleTaskDependency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE only")
		return
	}
	p := principalFromContext(r.Context())

	if err := s.engine.RemoveDependency(r.Context(), p.TenantID, r.PathValue("id"), r.PathValue("depID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleTaskMessages(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	taskID := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		msgs, err := s.store.ListMessages(r.Context(), p.TenantID, taskID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusOK, msgs)

	case http.MethodPost:
		var req struct {
			Sender        string `json:"sender"`
			SenderIsHuman bool   `json:"sender_is_human"`
			Content       string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}
		sender := strings.TrimSpace(req.Sender)
		if sender == "" {
			sender = p.Agent
		}
		msg, err := s.store.CreateMessage(r.Context(), model.TaskMessage{
			TenantID:      p.TenantID,
			TaskID:        taskID,
			Sender:        sender,
			SenderIsHuman: req.SenderIsHuman,
			Content:       req.Content,
		})
		if err != nil {
			if strings.Contains(err.Error(), "content_required") {
				writeError(w, http.StatusBadRequest, "validation_failed", "content must not be empty")
				return
			}
			writeDomainError(w, err)
			return
		}
		writeData(w, http.StatusCreated, msg)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleTaskAttachments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	p := principalFromContext(r.Context())

	var a model.Attachment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
		return
	}
	task, err := s.store.AddAttachment(r.Context(), p.TenantID, r.PathValue("id"), a)
	if err != nil {
		if strings.Contains(err.Error(), "url_required") {
			writeError(w, http.StatusBadRequest, "validation_failed", "attachment url must not be empty")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusCreated, task)
}

func (s *Server) handleTaskActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	p := principalFromContext(r.Context())

	entries, err := s.store.ListActivity(r.Context(), p.TenantID, r.PathValue("id"), 100)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, entries)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	p := principalFromContext(r.Context())

	projects, err := s.store.ListProjects(r.Context(), p.TenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, projects)
}
