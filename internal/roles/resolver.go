package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrRoleFetchFailed wraps backend failures surfaced by the SurfaceError policy.
	ErrRoleFetchFailed = errors.New("roles.fetch.failed")
	// ErrRoleFetchCanceled reports a fetch abandoned because its context ended.
	ErrRoleFetchCanceled = errors.New("roles.fetch.canceled")
	// ErrUnknownFailurePolicy indicates a policy name that ParseFailurePolicy does not recognise.
	ErrUnknownFailurePolicy = errors.New("roles.policy.unknown")
)

// RoleRow is a single role assignment as returned by the row store.
type RoleRow struct {
	Role string
}

// RoleStore fetches role rows for a user.
type RoleStore interface {
	FetchRoles(ctx context.Context, userID string) ([]RoleRow, error)
}

// RoleWriter mutates role assignments.
type RoleWriter interface {
	RoleStore
	GrantRole(ctx context.Context, userID string, role Role) error
	RevokeRole(ctx context.Context, userID string, role Role) error
}

// FailurePolicy decides what a failed role fetch resolves to.
type FailurePolicy interface {
	Name() string
	OnFetchError(userID string, fetchErr error) ([]Role, error)
}

// DegradeToBaseline resolves failed fetches to the baseline user role.
type DegradeToBaseline struct{}

func (DegradeToBaseline) Name() string { return "degrade_to_baseline" }

func (DegradeToBaseline) OnFetchError(string, error) ([]Role, error) {
	return Baseline(), nil
}

// FailClosed resolves failed fetches to no roles at all.
type FailClosed struct{}

func (FailClosed) Name() string { return "fail_closed" }

func (FailClosed) OnFetchError(string, error) ([]Role, error) {
	return []Role{}, nil
}

// SurfaceError hands the failure back to the caller.
type SurfaceError struct{}

func (SurfaceError) Name() string { return "surface_error" }

func (SurfaceError) OnFetchError(userID string, fetchErr error) ([]Role, error) {
	return nil, fmt.Errorf("%w: user %s: %v", ErrRoleFetchFailed, userID, fetchErr)
}

// ParseFailurePolicy maps a configuration value onto a policy.
func ParseFailurePolicy(name string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", DegradeToBaseline{}.Name():
		return DegradeToBaseline{}, nil
	case FailClosed{}.Name():
		return FailClosed{}, nil
	case SurfaceError{}.Name():
		return SurfaceError{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFailurePolicy, name)
	}
}

// Resolver loads a user's roles from the row store and records them in the Cache.
type Resolver struct {
	store   RoleStore
	cache   *Cache
	policy  FailurePolicy
	logger  *zap.Logger
	metrics MetricsRecorder
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithFailurePolicy replaces the default DegradeToBaseline policy.
func WithFailurePolicy(policy FailurePolicy) ResolverOption {
	return func(resolver *Resolver) {
		if policy != nil {
			resolver.policy = policy
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(resolver *Resolver) {
		if logger != nil {
			resolver.logger = logger
		}
	}
}

// WithMetrics sets the resolver metrics recorder.
func WithMetrics(metrics MetricsRecorder) ResolverOption {
	return func(resolver *Resolver) {
		if metrics != nil {
			resolver.metrics = metrics
		}
	}
}

// NewResolver constructs a Resolver. store and cache are required.
func NewResolver(store RoleStore, cache *Cache, options ...ResolverOption) *Resolver {
	if store == nil {
		panic("role store is required")
	}
	if cache == nil {
		panic("role cache is required")
	}
	resolver := &Resolver{
		store:   store,
		cache:   cache,
		policy:  DegradeToBaseline{},
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
	}
	for _, option := range options {
		option(resolver)
	}
	return resolver
}

// Cache exposes the memo the resolver writes to.
func (resolver *Resolver) Cache() *Cache {
	return resolver.cache
}

// Policy exposes the configured failure policy.
func (resolver *Resolver) Policy() FailurePolicy {
	return resolver.policy
}

// Resolve fetches roles for userID and overwrites the cache slot with the result.
// A fetch abandoned because ctx ended returns ErrRoleFetchCanceled and leaves the
// slot untouched; the failure policy only sees genuine store errors.
func (resolver *Resolver) Resolve(ctx context.Context, userID string) ([]Role, error) {
	resolved, err := resolver.resolveRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	resolver.cache.Write(userID, resolved)
	return cloneRoles(resolved), nil
}

// resolveRoles is Resolve without the cache write.
func (resolver *Resolver) resolveRoles(ctx context.Context, userID string) ([]Role, error) {
	rows, fetchErr := resolver.store.FetchRoles(ctx, userID)
	if fetchErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			resolver.metrics.RecordFetch(FetchCanceled)
			resolver.logger.Warn("role fetch abandoned",
				zap.String("code", "roles.fetch.canceled"),
				zap.String("user_id", userID),
				zap.Error(fetchErr))
			return nil, fmt.Errorf("%w: user %s: %w", ErrRoleFetchCanceled, userID, ctxErr)
		}
		resolver.metrics.RecordFetch(FetchFailed)
		resolver.metrics.RecordPolicyApplied(resolver.policy.Name())
		resolver.logger.Warn("role fetch failed",
			zap.String("code", "roles.fetch.failed"),
			zap.String("user_id", userID),
			zap.String("policy", resolver.policy.Name()),
			zap.Error(fetchErr))
		return resolver.policy.OnFetchError(userID, fetchErr)
	}

	resolved := distinctRoles(rows)
	if len(resolved) == 0 {
		resolver.metrics.RecordFetch(FetchEmpty)
		resolved = Baseline()
	} else {
		resolver.metrics.RecordFetch(FetchSuccess)
	}
	resolver.logger.Debug("fetched roles from store",
		zap.String("user_id", userID),
		zap.Strings("roles", Strings(resolved)))
	return resolved, nil
}

func distinctRoles(rows []RoleRow) []Role {
	resolved := make([]Role, 0, len(rows))
	for _, row := range rows {
		role, ok := ParseRole(row.Role)
		if !ok || Contains(resolved, role) {
			continue
		}
		resolved = append(resolved, role)
	}
	return resolved
}
