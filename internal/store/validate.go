package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentqueue/internal/model"
)

// MaxBulkSize caps bulk create/update batches.
const MaxBulkSize = 50

// ValidationError reports one or more rejected fields by name.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Fields, ", ")
}

func invalid(msg string, fields ...string) *ValidationError {
	return &ValidationError{Fields: fields, Message: msg}
}

// ValidateDraft normalizes and checks a create payload. It is called once,
// before any row is written; bulk creates validate every draft first so a bad
// item rejects the whole batch.
func ValidateDraft(d *TaskDraft) error {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return invalid("title must not be empty", "title")
	}
	if d.Intent == "" {
		d.Intent = model.TaskIntentOther
	}
	if !model.ValidIntent(d.Intent) {
		return invalid(fmt.Sprintf("unknown intent %q", d.Intent), "intent")
	}
	if d.Priority == nil {
		def := model.PriorityDefault
		d.Priority = &def
	} else if *d.Priority < model.PriorityMin || *d.Priority > model.PriorityMax {
		return invalid(fmt.Sprintf("priority must be between %d and %d", model.PriorityMin, model.PriorityMax), "priority")
	}
	if err := checkConfidence(d.Confidence); err != nil {
		return err
	}
	if err := checkMetadata(d.Metadata); err != nil {
		return err
	}
	return nil
}

func ValidateBatch(drafts []TaskDraft) error {
	if len(drafts) == 0 {
		return invalid("batch must not be empty")
	}
	if len(drafts) > MaxBulkSize {
		return invalid(fmt.Sprintf("batch size %d exceeds maximum of %d", len(drafts), MaxBulkSize))
	}
	for i := range drafts {
		if err := ValidateDraft(&drafts[i]); err != nil {
			return invalid(fmt.Sprintf("item %d: %v", i, err))
		}
	}
	return nil
}

// ValidateConfidence checks the [0,1] range shared by create, update, and
// completion payloads.
func ValidateConfidence(c *float64) error {
	return checkConfidence(c)
}

func checkConfidence(c *float64) error {
	if c != nil && (*c < 0 || *c > 1) {
		return invalid("confidence must be between 0 and 1", "confidence")
	}
	return nil
}

// checkMetadata enforces the flat key->scalar shape. Nested data belongs in
// the context field instead.
func checkMetadata(m map[string]any) error {
	for k, v := range m {
		switch v.(type) {
		case nil, string, bool, float64, int, int64:
		default:
			return invalid(fmt.Sprintf("metadata value for %q must be a scalar; use context for nested data", k), "metadata")
		}
	}
	return nil
}

// errUnknownField marks a wire name outside the mutable whitelist. PatchFromMap
// collects these so the error can list every rejected name at once.
var errUnknownField = errors.New("unknown field")

// applyField copies one already-decoded JSON value into the typed patch. The
// switch is the whole whitelist of mutable task fields, keyed by wire name.
func applyField(p *TaskPatch, name string, v any) error {
	switch name {
	case "title":
		s, ok := v.(string)
		if !ok {
			return invalid("title must be a string", "title")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return invalid("title must not be empty", "title")
		}
		p.Title = &s
	case "description":
		s, ok := v.(string)
		if !ok {
			return invalid("description must be a string", "description")
		}
		p.Description = &s
	case "intent":
		s, ok := v.(string)
		if !ok || !model.ValidIntent(model.TaskIntent(s)) {
			return invalid(fmt.Sprintf("unknown intent %v", v), "intent")
		}
		i := model.TaskIntent(s)
		p.Intent = &i
	case "status":
		s, ok := v.(string)
		if !ok || !model.ValidStatus(model.TaskStatus(s)) {
			return invalid(fmt.Sprintf("unknown status %v", v), "status")
		}
		st := model.TaskStatus(s)
		p.Status = &st
	case "priority":
		f, ok := v.(float64)
		n := int(f)
		if !ok || float64(n) != f || n < model.PriorityMin || n > model.PriorityMax {
			return invalid(fmt.Sprintf("priority must be an integer between %d and %d", model.PriorityMin, model.PriorityMax), "priority")
		}
		p.Priority = &n
	case "project":
		s, ok := v.(string)
		if !ok {
			return invalid("project must be a string", "project")
		}
		p.Project = &s
	case "context":
		m, ok := v.(map[string]any)
		if !ok {
			return invalid("context must be an object", "context")
		}
		p.Context = m
	case "metadata":
		m, ok := v.(map[string]any)
		if !ok {
			return invalid("metadata must be an object", "metadata")
		}
		if err := checkMetadata(m); err != nil {
			return err
		}
		p.Metadata = m
	case "confidence":
		f, ok := v.(float64)
		if !ok {
			return invalid("confidence must be a number", "confidence")
		}
		if err := checkConfidence(&f); err != nil {
			return err
		}
		p.Confidence = &f
	case "requires_human_review":
		b, ok := v.(bool)
		if !ok {
			return invalid("requires_human_review must be a boolean", "requires_human_review")
		}
		p.RequiresHumanReview = &b
	case "human_input_needed":
		b, ok := v.(bool)
		if !ok {
			return invalid("human_input_needed must be a boolean", "human_input_needed")
		}
		p.HumanInputNeeded = &b
	case "blockers":
		raw, ok := v.([]any)
		if !ok {
			return invalid("blockers must be an array of strings", "blockers")
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return invalid("blockers must be an array of strings", "blockers")
			}
			out = append(out, s)
		}
		p.Blockers = &out
	case "blocker":
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return invalid("blocker must be a non-empty string", "blocker")
		}
		p.Blocker = &s
	case "recurrence":
		m, ok := v.(map[string]any)
		if !ok {
			return invalid("recurrence must be an object", "recurrence")
		}
		spec := &model.RecurrenceSpec{}
		if s, ok := m["type"].(string); ok {
			spec.Type = s
		}
		if f, ok := m["interval_ms"].(float64); ok {
			spec.IntervalMS = int64(f)
		}
		if f, ok := m["interval_hours"].(float64); ok {
			spec.IntervalHours = int64(f)
		}
		if f, ok := m["interval_days"].(float64); ok {
			spec.IntervalDays = int64(f)
		}
		if s, ok := m["time"].(string); ok {
			spec.Time = s
		}
		if f, ok := m["day"].(float64); ok {
			spec.Day = int(f)
		}
		if s, ok := m["expression"].(string); ok {
			spec.Expression = s
		}
		p.Recurrence = spec
	default:
		return errUnknownField
	}
	return nil
}

// PatchFromMap builds a TaskPatch from decoded JSON, rejecting unknown field
// names by listing them in the error. Used by single and bulk updates.
func PatchFromMap(raw map[string]any) (TaskPatch, error) {
	var p TaskPatch
	var unknown []string
	for k, v := range raw {
		err := applyField(&p, k, v)
		if errors.Is(err, errUnknownField) {
			unknown = append(unknown, k)
			continue
		}
		if err != nil {
			return TaskPatch{}, err
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return TaskPatch{}, invalid("unknown fields", unknown...)
	}
	return p, nil
}
