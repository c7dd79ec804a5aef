package auth

import (
	"context"
	"strings"
)

// Principal is the authenticated actor on whose behalf an operation runs.
type Principal struct {
	ID           string
	Capabilities []string
}

// HasCapability reports whether the principal carries the capability.
func (p Principal) HasCapability(cap string) bool {
	cap = strings.TrimSpace(strings.ToLower(cap))
	if cap == "" {
		return false
	}
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// ActorID returns the acting identity, falling back to "system" for internal
// callers (migrations, retention jobs) that run without a principal.
func ActorID(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok && strings.TrimSpace(p.ID) != "" {
		return p.ID
	}
	return "system"
}
