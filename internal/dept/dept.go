package dept

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxDepth bounds the organizational tree: at most this many levels in
// total, so valid levels run 0 (root) through MaxDepth-1. Department
// creation elsewhere enforces it; readers re-check before walking a path.
const MaxDepth = 5

var (
	ErrNotFound      = errors.New("dept: not found")
	ErrDepthExceeded = errors.New("dept: max depth exceeded")
	ErrInvalidPath   = errors.New("dept: inconsistent materialized path")
)

// Department is a node in the organizational tree. The hierarchy is owned by
// the department-management subsystem; this package only reads it.
type Department struct {
	ID        string
	Name      string
	ParentID  string   // empty marks a root
	Path      []string // ordered ancestor ids, root first; never contains the department itself
	Level     int      // root = 0
	CreatedAt time.Time
}

// Store is the read-only hierarchy access the permission engine depends on.
type Store interface {
	// Get returns one department or ErrNotFound.
	Get(ctx context.Context, id string) (Department, error)
	// Subtree returns the department itself followed by all descendants.
	Subtree(ctx context.Context, id string) ([]Department, error)
	// All returns every department.
	All(ctx context.Context) ([]Department, error)
}

// IsRoot reports whether the department has no parent.
func (d Department) IsRoot() bool { return d.ParentID == "" }

// Ancestors returns a copy of the materialized path, root first.
func (d Department) Ancestors() []string {
	if len(d.Path) == 0 {
		return nil
	}
	out := make([]string, len(d.Path))
	copy(out, d.Path)
	return out
}

// HasAncestor reports whether id appears in the department's ancestor chain.
func (d Department) HasAncestor(id string) bool {
	for _, p := range d.Path {
		if p == id {
			return true
		}
	}
	return false
}

// Validate checks the invariants readers rely on: bounded depth, path length
// matching the level, no self-reference, parent as the last path element.
func (d Department) Validate() error {
	if d.Level >= MaxDepth {
		return fmt.Errorf("%w: level %d", ErrDepthExceeded, d.Level)
	}
	if len(d.Path) != d.Level {
		return fmt.Errorf("%w: level %d with %d ancestors", ErrInvalidPath, d.Level, len(d.Path))
	}
	for _, p := range d.Path {
		if p == d.ID {
			return fmt.Errorf("%w: path contains the department itself", ErrInvalidPath)
		}
	}
	if d.ParentID == "" {
		if len(d.Path) != 0 {
			return fmt.Errorf("%w: root with ancestors", ErrInvalidPath)
		}
		return nil
	}
	if len(d.Path) == 0 || d.Path[len(d.Path)-1] != d.ParentID {
		return fmt.Errorf("%w: parent %s is not the nearest ancestor", ErrInvalidPath, d.ParentID)
	}
	return nil
}
