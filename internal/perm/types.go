package perm

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Source marks where an effective permission value came from.
type Source string

const (
	SourceDirect    Source = "direct"
	SourceInherited Source = "inherited"
)

// ConditionOp is the comparison kind of one condition.
type ConditionOp string

const (
	// ConditionEquals matches when the caller attribute equals Value.
	ConditionEquals ConditionOp = "eq"
	// ConditionOneOf matches when the caller attribute is any of Values.
	ConditionOneOf ConditionOp = "in"
)

// Condition restricts a record to callers whose attribute matches. Conditions
// are a closed union of the two comparison kinds so conflict detection can
// compare allowed-value sets exhaustively.
type Condition struct {
	Key    string      `json:"key"`
	Op     ConditionOp `json:"op"`
	Value  string      `json:"value,omitempty"`
	Values []string    `json:"values,omitempty"`
}

// Matches evaluates the condition against caller-supplied attributes.
// A missing attribute never matches.
func (c Condition) Matches(attrs map[string]string) bool {
	got, ok := attrs[c.Key]
	if !ok {
		return false
	}
	switch c.Op {
	case ConditionEquals:
		return got == c.Value
	case ConditionOneOf:
		for _, v := range c.Values {
			if got == v {
				return true
			}
		}
	}
	return false
}

// AllowedSet returns the set of values the condition accepts.
func (c Condition) AllowedSet() map[string]struct{} {
	set := make(map[string]struct{})
	switch c.Op {
	case ConditionEquals:
		set[c.Value] = struct{}{}
	case ConditionOneOf:
		for _, v := range c.Values {
			set[v] = struct{}{}
		}
	}
	return set
}

// Validate checks the condition shape for its declared kind.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("%w: condition key is required", ErrValidation)
	}
	switch c.Op {
	case ConditionEquals:
		if c.Value == "" {
			return fmt.Errorf("%w: condition %s requires a value", ErrValidation, c.Key)
		}
	case ConditionOneOf:
		if len(c.Values) == 0 {
			return fmt.Errorf("%w: condition %s requires values", ErrValidation, c.Key)
		}
	default:
		return fmt.Errorf("%w: unsupported condition op %q", ErrValidation, c.Op)
	}
	return nil
}

// Record is one direct (non-inherited) permission grant stored at a department.
type Record struct {
	ID                string      `json:"id"`
	DepartmentID      string      `json:"department_id"`
	Resource          string      `json:"resource"`
	Action            string      `json:"action"`
	Granted           bool        `json:"granted"`
	InheritFromParent bool        `json:"inherit_from_parent"`
	OverrideChildren  bool        `json:"override_children"`
	Priority          int         `json:"priority"`
	Conditions        []Condition `json:"conditions,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	Version           int64       `json:"version"`
	CreatedBy         string      `json:"created_by,omitempty"`
	UpdatedBy         string      `json:"updated_by,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Active reports whether the record has not expired at the given instant.
func (r Record) Active(now time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(now)
}

// MatchesAttributes evaluates the record's conditions against caller
// attributes. A record without conditions always matches; a record with
// conditions never matches an empty attribute set.
func (r Record) MatchesAttributes(attrs map[string]string) bool {
	for _, c := range r.Conditions {
		if !c.Matches(attrs) {
			return false
		}
	}
	return true
}

// Effective is the resolved grant/deny decision for one (department,
// resource, action). It is computed, never persisted.
type Effective struct {
	Resource             string `json:"resource"`
	Action               string `json:"action"`
	Granted              bool   `json:"granted"`
	Source               Source `json:"source"`
	SourceDepartmentID   string `json:"source_department_id"`
	SourceDepartmentName string `json:"source_department_name,omitempty"`
}

// Template is a named bundle of permission tuples applied in order.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Items       []TemplateItem `json:"items"`
	CreatedAt   time.Time      `json:"created_at"`
}

// TemplateItem is one tuple of a template.
type TemplateItem struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Granted  bool   `json:"granted"`
}

// Resolution records a manual decision about a detected conflict. It persists
// by conflict identity so it survives re-detection until the underlying
// disagreement disappears.
type Resolution struct {
	ConflictID string    `json:"conflict_id"`
	Strategy   string    `json:"strategy"`
	Note       string    `json:"note,omitempty"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

const (
	minPriority = 0
	maxPriority = 100
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateIdent checks a resource or action identifier.
func ValidateIdent(kind, v string) error {
	if !identRe.MatchString(v) {
		return fmt.Errorf("%w: malformed %s %q", ErrValidation, kind, v)
	}
	return nil
}

// ValidatePriority bounds record priorities.
func ValidatePriority(p int) error {
	if p < minPriority || p > maxPriority {
		return fmt.Errorf("%w: priority %d out of range [%d,%d]", ErrValidation, p, minPriority, maxPriority)
	}
	return nil
}
