package roles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultQueryCapacity bounds the number of users whose roles the query layer retains.
	DefaultQueryCapacity = 1024

	// sharedFetchTimeout bounds a shared fetch, which runs detached from any one caller.
	sharedFetchTimeout = 10 * time.Second
)

// AuthState is what the auth provider reports about the current session.
type AuthState struct {
	UserID  string
	Loading bool
}

// Authenticated reports whether a user is signed in.
func (state AuthState) Authenticated() bool {
	return state.UserID != ""
}

// View is the derived role state handed to gates and handlers.
type View struct {
	Roles       []Role `json:"roles"`
	PrimaryRole Role   `json:"primary_role,omitempty"`
	IsAdmin     bool   `json:"is_admin"`
	IsGuru      bool   `json:"is_guru"`
	IsUser      bool   `json:"is_user"`
	IsLoading   bool   `json:"is_loading"`
}

type queryEntry struct {
	roles     []Role
	fetchedAt time.Time
}

// Query serves role views keyed by user id.
// Entries stay fresh for the stale window; within it the resolver is not called again.
// Invalidate bumps a per-user generation; a fetch that started under an older
// generation still answers its callers but is never recorded.
type Query struct {
	resolver    *Resolver
	entries     *expirable.LRU[string, queryEntry]
	inflight    singleflight.Group
	mutex       sync.Mutex
	epoch       uint64
	generations *expirable.LRU[string, uint64]
	staleTime   time.Duration
	clock       Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
}

// QueryConfig configures a Query.
type QueryConfig struct {
	StaleTime time.Duration
	Capacity  int
	Clock     Clock
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

// NewQuery constructs a Query over resolver.
func NewQuery(resolver *Resolver, configuration QueryConfig) *Query {
	if resolver == nil {
		panic("role resolver is required")
	}
	staleTime := configuration.StaleTime
	if staleTime <= 0 {
		staleTime = resolver.Cache().TTL()
	}
	capacity := configuration.Capacity
	if capacity <= 0 {
		capacity = DefaultQueryCapacity
	}
	clock := configuration.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if configuration.Metrics != nil {
		metrics = configuration.Metrics
	}
	// A generation only has to outlive the fetches that read it.
	generations := expirable.NewLRU[string, uint64](capacity, nil, 2*sharedFetchTimeout)
	return &Query{
		resolver:    resolver,
		entries:     expirable.NewLRU[string, queryEntry](capacity, nil, staleTime),
		generations: generations,
		staleTime:   staleTime,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
	}
}

// Fetch returns the role view for the session, resolving roles if nothing fresh is held.
func (query *Query) Fetch(ctx context.Context, auth AuthState) (View, error) {
	if auth.Loading {
		return deriveView(nil, auth, true), nil
	}
	if !auth.Authenticated() {
		return deriveView(nil, auth, false), nil
	}
	if roles, ok := query.lookup(auth.UserID); ok {
		return deriveView(roles, auth, false), nil
	}
	roles, err := query.fetchShared(ctx, auth.UserID)
	if err != nil {
		return deriveView(nil, auth, false), err
	}
	return deriveView(roles, auth, false), nil
}

// Current returns the role view without blocking. When nothing fresh is held it
// reports IsLoading and joins (or starts) the user's shared fetch, so repeated
// cold calls cost one store call in total, bounded by sharedFetchTimeout.
func (query *Query) Current(auth AuthState) View {
	if auth.Loading {
		return deriveView(nil, auth, true)
	}
	if !auth.Authenticated() {
		return deriveView(nil, auth, false)
	}
	if roles, ok := query.lookup(auth.UserID); ok {
		return deriveView(roles, auth, false)
	}
	query.startShared(context.Background(), auth.UserID)
	return deriveView(nil, auth, true)
}

// Refetch drops the held entry and fetches again. The memo slot is still consulted.
func (query *Query) Refetch(ctx context.Context, auth AuthState) (View, error) {
	if auth.Authenticated() {
		query.entries.Remove(auth.UserID)
	}
	return query.Fetch(ctx, auth)
}

// Invalidate forgets everything held for userID, including the memo slot.
// Fetches already in flight for userID are detached from later callers and
// their results are discarded.
func (query *Query) Invalidate(userID string) {
	query.mutex.Lock()
	defer query.mutex.Unlock()
	query.epoch++
	query.generations.Add(userID, query.epoch)
	query.inflight.Forget(userID)
	query.entries.Remove(userID)
	query.resolver.Cache().Clear(userID)
}

func (query *Query) lookup(userID string) ([]Role, bool) {
	if entry, ok := query.entries.Get(userID); ok && query.clock.Now().Sub(entry.fetchedAt) < query.staleTime {
		query.metrics.RecordLookup(LookupQuery)
		return cloneRoles(entry.roles), true
	}
	if cached, ok := query.resolver.Cache().Read(userID); ok {
		query.metrics.RecordLookup(LookupMemo)
		query.store(userID, cached)
		return cached, true
	}
	return nil, false
}

// fetchShared waits for the user's shared fetch. Leaving early because ctx ended
// does not cancel the fetch for the other callers.
func (query *Query) fetchShared(ctx context.Context, userID string) ([]Role, error) {
	results := query.startShared(ctx, userID)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("roles.query.fetch: %w", ctx.Err())
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}
		return cloneRoles(result.Val.([]Role)), nil
	}
}

func (query *Query) startShared(ctx context.Context, userID string) <-chan singleflight.Result {
	detached := context.WithoutCancel(ctx)
	return query.inflight.DoChan(userID, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(detached, sharedFetchTimeout)
		defer cancel()
		generation := query.generation(userID)
		query.metrics.RecordLookup(LookupStore)
		resolved, err := query.resolver.resolveRoles(fetchCtx, userID)
		if err != nil {
			return nil, err
		}
		query.commit(userID, generation, resolved)
		return resolved, nil
	})
}

func (query *Query) generation(userID string) uint64 {
	query.mutex.Lock()
	defer query.mutex.Unlock()
	generation, _ := query.generations.Get(userID)
	return generation
}

// commit records resolved roles unless userID was invalidated since generation was read.
func (query *Query) commit(userID string, generation uint64, roles []Role) {
	query.mutex.Lock()
	defer query.mutex.Unlock()
	if current, _ := query.generations.Get(userID); current != generation {
		query.metrics.RecordLookup(LookupDiscarded)
		query.logger.Debug("discarded roles fetched before invalidation",
			zap.String("code", "roles.query.discarded"),
			zap.String("user_id", userID))
		return
	}
	query.resolver.Cache().Write(userID, roles)
	query.store(userID, roles)
}

func (query *Query) store(userID string, roles []Role) {
	query.entries.Add(userID, queryEntry{roles: cloneRoles(roles), fetchedAt: query.clock.Now()})
}

// Metrics exposes the recorder so server-side gates can report their decisions.
func (query *Query) Metrics() MetricsRecorder {
	return query.metrics
}

func deriveView(data []Role, auth AuthState, loading bool) View {
	authenticated := auth.Authenticated()
	roles := cloneRoles(data)
	if roles == nil {
		if authenticated {
			roles = Baseline()
		} else {
			roles = []Role{}
		}
	}
	isAdmin := Contains(roles, RoleAdmin)
	view := View{
		Roles:     roles,
		IsAdmin:   isAdmin,
		IsGuru:    isAdmin || Contains(roles, RoleGuru),
		IsUser:    authenticated,
		IsLoading: loading,
	}
	switch {
	case isAdmin:
		view.PrimaryRole = RoleAdmin
	case Contains(roles, RoleGuru):
		view.PrimaryRole = RoleGuru
	case authenticated:
		view.PrimaryRole = RoleUser
	}
	return view
}
