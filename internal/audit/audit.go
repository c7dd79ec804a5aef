package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	ErrAppendFailed = errors.New("audit: append failed")
)

// TargetType names what kind of object a change touched.
type TargetType string

const (
	TargetDepartment TargetType = "department"
	TargetUser       TargetType = "user"
	TargetRole       TargetType = "role"
)

// ChangeType classifies one audited operation.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	ChangeExport ChangeType = "export"
)

// Entry is one immutable before/after record of a permission change. Entries
// are append-only; nothing mutates or deletes them apart from the explicit
// retention cleanup.
type Entry struct {
	ID         string            `json:"id"`
	TargetType TargetType        `json:"target_type"`
	TargetID   string            `json:"target_id"`
	Resource   string            `json:"resource"`
	Action     string            `json:"action"`
	OldValue   *bool             `json:"old_value"`
	NewValue   *bool             `json:"new_value"`
	ChangeType ChangeType        `json:"change_type"`
	ActorID    string            `json:"actor_id"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Filter narrows a trail query. Zero fields match everything.
type Filter struct {
	TargetID   string
	Resource   string
	Action     string
	ChangeType ChangeType
	ActorID    string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	Trail(ctx context.Context, f Filter) ([]Entry, int, error)
	// PurgeOlderThan deletes entries older than the cutoff and returns how
	// many were removed. This is the only sanctioned deletion path.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

func (e *Entry) validate() error {
	switch e.TargetType {
	case TargetDepartment, TargetUser, TargetRole:
	default:
		return fmt.Errorf("%w: target type %q", ErrInvalidEntry, e.TargetType)
	}
	switch e.ChangeType {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeExport:
	default:
		return fmt.Errorf("%w: change type %q", ErrInvalidEntry, e.ChangeType)
	}
	if strings.TrimSpace(e.TargetID) == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidEntry)
	}
	return nil
}

func (e *Entry) fill(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
}

// BoolPtr is a small helper for old/new values.
func BoolPtr(v bool) *bool { return &v }
