package perm

import "context"

// RecordStore persists direct permission records. Implementations must detect
// write races on (department, resource, action, priority) and surface them as
// ErrConcurrency instead of silently overwriting.
type RecordStore interface {
	// Direct returns every record stored at the department.
	Direct(ctx context.Context, departmentID string) ([]Record, error)
	// DirectFor returns the records stored at the department for one
	// (resource, action), all priorities.
	DirectFor(ctx context.Context, departmentID, resource, action string) ([]Record, error)
	// ForDepartments loads a snapshot of all records across the given
	// departments for conflict detection.
	ForDepartments(ctx context.Context, departmentIDs []string) ([]Record, error)
	// Upsert creates or replaces the record identified by
	// (department, resource, action, priority). The second result reports
	// whether a new record was created. A zero incoming version asserts no
	// record exists for the tuple; finding one anyway, or replacing a record
	// whose version no longer matches, returns ErrConcurrency.
	Upsert(ctx context.Context, rec Record) (Record, bool, error)
	// Delete removes every record for (department, resource, action) and
	// returns the removed records, or ErrNotFound when none existed.
	Delete(ctx context.Context, departmentID, resource, action string) ([]Record, error)
}

// TemplateStore reads named permission templates.
type TemplateStore interface {
	Template(ctx context.Context, id string) (Template, error)
	Templates(ctx context.Context) ([]Template, error)
}

// ResolutionStore persists manual conflict resolutions keyed by conflict
// identity hash.
type ResolutionStore interface {
	Record(ctx context.Context, res Resolution) error
	ByConflictIDs(ctx context.Context, ids []string) (map[string]Resolution, error)
}

// MemberDirectory is the external membership collaborator: it answers who is
// currently an active member of a department.
type MemberDirectory interface {
	ActiveMembers(ctx context.Context, departmentID string) ([]string, error)
}

// MemberGrantStore materializes member-level grants in the collaborator's
// table. This engine writes it during template/member cascades but does not
// own it.
type MemberGrantStore interface {
	UpsertMemberGrant(ctx context.Context, userID, resource, action string, granted bool, grantedBy string) error
}
