package domain

import (
	"context"
	"time"
)

// Taggable is implemented by aggregates whose mutations are guarded by a
// version token.
type Taggable interface {
	EntityType() string
	EntityID() string
	TenantID() string

	// CurrentToken returns the token of the state held in memory.
	CurrentToken() VersionToken

	// UpdateToken regenerates the token. It is called exactly once per
	// successful mutation, after the state change and before commit.
	UpdateToken(at time.Time) error

	// ValidateToken returns nil when expected matches the current token and
	// a *ConflictError otherwise. It never mutates.
	ValidateToken(expected VersionToken) error
}

// Validator is implemented by entities whose invariants are checked before
// every guarded write.
type Validator interface {
	Validate() error
}

// UpdateGuard restricts what a plain guarded update may change relative to
// the locked current state.
type UpdateGuard[T any] interface {
	CheckUpdate(current T) error
}

// Cloner lets a guarded update work on a private copy until commit.
type Cloner[T any] interface {
	Clone() T
}

// TokenRef is the cheap projection of a taggable entity: its owner and its
// current token.
type TokenRef struct {
	TenantID string
	Token    VersionToken
}

type tenantKey struct{}

// WithTenant scopes ctx to a tenant. Guarded reads and writes report
// entities owned by other tenants as not found.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant attached by WithTenant.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// VisibleTo reports whether an entity owned by tenantID may be seen from ctx.
func VisibleTo(ctx context.Context, tenantID string) bool {
	scope, ok := TenantFromContext(ctx)
	return !ok || scope == tenantID
}
