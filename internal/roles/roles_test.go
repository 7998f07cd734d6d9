package roles

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type stubRoleStore struct {
	mutex sync.Mutex
	rows  map[string][]RoleRow
	err   error
	calls int
}

func newStubRoleStore() *stubRoleStore {
	return &stubRoleStore{rows: make(map[string][]RoleRow)}
}

func (store *stubRoleStore) FetchRoles(ctx context.Context, userID string) ([]RoleRow, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.calls++
	if store.err != nil {
		return nil, store.err
	}
	return store.rows[userID], nil
}

func (store *stubRoleStore) callCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.calls
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label    string
		expected Role
		ok       bool
	}{
		{label: "admin", expected: RoleAdmin, ok: true},
		{label: " Guru ", expected: RoleGuru, ok: true},
		{label: "tester", expected: RoleGuru, ok: true},
		{label: "user", expected: RoleUser, ok: true},
		{label: "owner", ok: false},
		{label: "", ok: false},
	}
	for _, test := range tests {
		role, ok := ParseRole(test.label)
		if ok != test.ok || role != test.expected {
			t.Fatalf("ParseRole(%q) = %q, %v; expected %q, %v", test.label, role, ok, test.expected, test.ok)
		}
	}
}

func TestCacheReadWithinTTL(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	cache := NewCache(time.Minute, clock)

	if _, ok := cache.Read("u1"); ok {
		t.Fatalf("expected miss on empty slot")
	}

	cache.Write("u1", []Role{RoleGuru})
	clock.Advance(59 * time.Second)
	roles, ok := cache.Read("u1")
	if !ok {
		t.Fatalf("expected hit within ttl")
	}
	if !reflect.DeepEqual(roles, []Role{RoleGuru}) {
		t.Fatalf("unexpected roles %v", roles)
	}

	clock.Advance(time.Second)
	if _, ok := cache.Read("u1"); ok {
		t.Fatalf("expected miss once ttl elapsed")
	}
}

func TestCacheHoldsSingleUser(t *testing.T) {
	t.Parallel()
	cache := NewCache(time.Minute, newControllableClock())

	cache.Write("u1", []Role{RoleAdmin})
	if _, ok := cache.Read("u2"); ok {
		t.Fatalf("expected miss for a different user")
	}

	cache.Write("u2", []Role{RoleUser})
	if _, ok := cache.Read("u1"); ok {
		t.Fatalf("expected u1 to be evicted by the write for u2")
	}
	if _, ok := cache.Read("u2"); !ok {
		t.Fatalf("expected hit for u2")
	}

	cache.Clear("u1")
	if _, ok := cache.Read("u2"); !ok {
		t.Fatalf("clearing another user must not empty the slot")
	}
	cache.Clear("u2")
	if _, ok := cache.Read("u2"); ok {
		t.Fatalf("expected miss after clear")
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	t.Parallel()
	cache := NewCache(time.Minute, newControllableClock())
	written := []Role{RoleGuru}
	cache.Write("u1", written)
	written[0] = RoleAdmin

	roles, _ := cache.Read("u1")
	if roles[0] != RoleGuru {
		t.Fatalf("cache aliased caller slice: %v", roles)
	}
}

func TestResolverOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rows     []RoleRow
		fetchErr error
		expected []Role
	}{
		{name: "no rows", rows: nil, expected: []Role{RoleUser}},
		{name: "single guru", rows: []RoleRow{{Role: "guru"}}, expected: []Role{RoleGuru}},
		{name: "duplicates collapse", rows: []RoleRow{{Role: "admin"}, {Role: "guru"}, {Role: "admin"}}, expected: []Role{RoleAdmin, RoleGuru}},
		{name: "unknown labels dropped", rows: []RoleRow{{Role: "owner"}}, expected: []Role{RoleUser}},
		{name: "backend error degrades", fetchErr: errors.New("connection reset"), expected: []Role{RoleUser}},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			store := newStubRoleStore()
			store.rows["u1"] = test.rows
			store.err = test.fetchErr
			cache := NewCache(time.Minute, newControllableClock())
			resolver := NewResolver(store, cache, WithLogger(zaptest.NewLogger(t)))

			resolved, err := resolver.Resolve(context.Background(), "u1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(resolved, test.expected) {
				t.Fatalf("expected %v, got %v", test.expected, resolved)
			}
			cached, ok := cache.Read("u1")
			if !ok || !reflect.DeepEqual(cached, test.expected) {
				t.Fatalf("expected cache slot to hold %v, got %v (hit=%v)", test.expected, cached, ok)
			}
		})
	}
}

func TestResolverFailurePolicies(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("timeout")

	store := newStubRoleStore()
	store.err = backendErr

	closedCache := NewCache(time.Minute, newControllableClock())
	closed := NewResolver(store, closedCache, WithFailurePolicy(FailClosed{}))
	resolved, err := closed.Resolve(context.Background(), "u1")
	if err != nil || len(resolved) != 0 {
		t.Fatalf("expected fail closed to resolve no roles, got %v, %v", resolved, err)
	}

	surfaceCache := NewCache(time.Minute, newControllableClock())
	surfacing := NewResolver(store, surfaceCache, WithFailurePolicy(SurfaceError{}))
	_, err = surfacing.Resolve(context.Background(), "u1")
	if !errors.Is(err, ErrRoleFetchFailed) {
		t.Fatalf("expected ErrRoleFetchFailed, got %v", err)
	}
	if _, ok := surfaceCache.Read("u1"); ok {
		t.Fatalf("surfaced errors must not populate the cache")
	}
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "degrade_to_baseline", "fail_closed", "SURFACE_ERROR"} {
		if _, err := ParseFailurePolicy(name); err != nil {
			t.Fatalf("unexpected error for %q: %v", name, err)
		}
	}
	if _, err := ParseFailurePolicy("retry_forever"); !errors.Is(err, ErrUnknownFailurePolicy) {
		t.Fatalf("expected ErrUnknownFailurePolicy, got %v", err)
	}
}

func newTestQuery(t *testing.T, store RoleStore, clock Clock, metrics MetricsRecorder) *Query {
	t.Helper()
	cache := NewCache(time.Minute, clock)
	resolver := NewResolver(store, cache, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics))
	return NewQuery(resolver, QueryConfig{Clock: clock, Logger: zaptest.NewLogger(t), Metrics: metrics})
}

func TestQueryGuruScenario(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.rows["u1"] = []RoleRow{{Role: "guru"}}
	query := newTestQuery(t, store, newControllableClock(), NewRoleMetrics())

	view, err := query.Fetch(context.Background(), AuthState{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(view.Roles, []Role{RoleGuru}) {
		t.Fatalf("unexpected roles %v", view.Roles)
	}
	if !view.IsGuru || view.IsAdmin || view.PrimaryRole != RoleGuru || !view.IsUser || view.IsLoading {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestQueryAdminImpliesGuru(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.rows["u1"] = []RoleRow{{Role: "user"}, {Role: "admin"}}
	query := newTestQuery(t, store, newControllableClock(), nil)

	view, err := query.Fetch(context.Background(), AuthState{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.PrimaryRole != RoleAdmin || !view.IsGuru || !view.IsAdmin {
		t.Fatalf("expected admin to dominate, got %+v", view)
	}
}

func TestQueryUnauthenticated(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	query := newTestQuery(t, store, newControllableClock(), nil)

	view, err := query.Fetch(context.Background(), AuthState{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(view.Roles) != 0 || view.IsUser || view.PrimaryRole != "" || view.IsLoading {
		t.Fatalf("unexpected unauthenticated view %+v", view)
	}
	if store.callCount() != 0 {
		t.Fatalf("resolver must not run without a user")
	}
}

func TestQueryReusesRolesWithinStaleWindow(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := newStubRoleStore()
	store.rows["u1"] = []RoleRow{{Role: "admin"}}
	metrics := NewRoleMetrics()
	query := newTestQuery(t, store, clock, metrics)
	auth := AuthState{UserID: "u1"}

	for attempt := 0; attempt < 3; attempt++ {
		if _, err := query.Fetch(context.Background(), auth); err != nil {
			t.Fatalf("fetch %d: %v", attempt, err)
		}
		clock.Advance(10 * time.Second)
	}
	if store.callCount() != 1 {
		t.Fatalf("expected a single store call, got %d", store.callCount())
	}
	if metrics.LookupCount(LookupQuery) != 2 {
		t.Fatalf("expected two query hits, got %d", metrics.LookupCount(LookupQuery))
	}

	clock.Advance(time.Minute)
	if _, err := query.Fetch(context.Background(), auth); err != nil {
		t.Fatalf("fetch after stale window: %v", err)
	}
	if store.callCount() != 2 {
		t.Fatalf("expected a fresh store call after the stale window, got %d", store.callCount())
	}
}

func TestQuerySwitchingUsersFetchesAgain(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.rows["u1"] = []RoleRow{{Role: "guru"}}
	query := newTestQuery(t, store, newControllableClock(), nil)

	if _, err := query.Fetch(context.Background(), AuthState{UserID: "u1"}); err != nil {
		t.Fatalf("fetch u1: %v", err)
	}
	view, err := query.Fetch(context.Background(), AuthState{UserID: "u2"})
	if err != nil {
		t.Fatalf("fetch u2: %v", err)
	}
	if store.callCount() != 2 {
		t.Fatalf("expected a store call per user, got %d", store.callCount())
	}
	if !reflect.DeepEqual(view.Roles, []Role{RoleUser}) {
		t.Fatalf("expected baseline roles for u2, got %v", view.Roles)
	}
}

func TestQuerySeedsFromCache(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := newStubRoleStore()
	metrics := NewRoleMetrics()
	cache := NewCache(time.Minute, clock)
	resolver := NewResolver(store, cache, WithMetrics(metrics))
	query := NewQuery(resolver, QueryConfig{Clock: clock, Metrics: metrics})

	cache.Write("u1", []Role{RoleGuru})
	view := query.Current(AuthState{UserID: "u1"})
	if view.IsLoading {
		t.Fatalf("expected seeded view without loading flash")
	}
	if view.PrimaryRole != RoleGuru {
		t.Fatalf("expected seeded guru role, got %+v", view)
	}
	if store.callCount() != 0 {
		t.Fatalf("expected no store call when seeding, got %d", store.callCount())
	}
	if metrics.LookupCount(LookupMemo) != 1 {
		t.Fatalf("expected seed to be recorded")
	}
}

func TestQueryCurrentStartsBackgroundFetch(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.rows["u1"] = []RoleRow{{Role: "admin"}}
	query := newTestQuery(t, store, newControllableClock(), nil)
	auth := AuthState{UserID: "u1"}

	view := query.Current(auth)
	if !view.IsLoading {
		t.Fatalf("expected loading view before first fetch")
	}
	if !reflect.DeepEqual(view.Roles, []Role{RoleUser}) {
		t.Fatalf("expected baseline placeholder while loading, got %v", view.Roles)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		view = query.Current(auth)
		if !view.IsLoading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background fetch did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !view.IsAdmin {
		t.Fatalf("expected admin view after background fetch, got %+v", view)
	}
}

func TestQueryAuthLoading(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	query := newTestQuery(t, store, newControllableClock(), nil)

	view, err := query.Fetch(context.Background(), AuthState{Loading: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !view.IsLoading || store.callCount() != 0 {
		t.Fatalf("expected loading view without store call, got %+v", view)
	}
}

func TestQueryInvalidateForcesStoreCall(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.rows["u1"] = []RoleRow{{Role: "user"}}
	query := newTestQuery(t, store, newControllableClock(), nil)
	auth := AuthState{UserID: "u1"}

	if _, err := query.Fetch(context.Background(), auth); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	view, err := query.Refetch(context.Background(), auth)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if store.callCount() != 1 {
		t.Fatalf("refetch within the memo window should reuse the memo, got %d calls", store.callCount())
	}
	if view.PrimaryRole != RoleUser {
		t.Fatalf("unexpected view %+v", view)
	}

	store.mutex.Lock()
	store.rows["u1"] = []RoleRow{{Role: "guru"}}
	store.mutex.Unlock()
	query.Invalidate("u1")

	view, err = query.Fetch(context.Background(), auth)
	if err != nil {
		t.Fatalf("fetch after invalidate: %v", err)
	}
	if store.callCount() != 2 || view.PrimaryRole != RoleGuru {
		t.Fatalf("expected fresh guru roles after invalidate, got %+v with %d calls", view, store.callCount())
	}
}

func TestQuerySurfacedError(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.err = errors.New("unavailable")
	cache := NewCache(time.Minute, newControllableClock())
	resolver := NewResolver(store, cache, WithFailurePolicy(SurfaceError{}))
	query := NewQuery(resolver, QueryConfig{})

	_, err := query.Fetch(context.Background(), AuthState{UserID: "u1"})
	if !errors.Is(err, ErrRoleFetchFailed) {
		t.Fatalf("expected ErrRoleFetchFailed, got %v", err)
	}
}

func TestRoleMetricsSnapshot(t *testing.T) {
	t.Parallel()
	metrics := NewRoleMetrics()
	metrics.RecordFetch(FetchSuccess)
	metrics.RecordFetch(FetchSuccess)
	metrics.RecordPolicyApplied("fail_closed")
	metrics.RecordGate([]Role{RoleAdmin, RoleGuru}, true)
	metrics.RecordGate([]Role{RoleAdmin, RoleGuru}, false)
	metrics.RecordGate([]Role{RoleAdmin}, false)

	snapshot := metrics.Snapshot()
	if snapshot.Fetches[FetchSuccess] != 2 || snapshot.Policies["fail_closed"] != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if gate := snapshot.Gates["admin,guru"]; gate.Granted != 1 || gate.Denied != 1 {
		t.Fatalf("unexpected admin,guru gate counts %+v", gate)
	}
	if gate := snapshot.Gates["admin"]; gate.Granted != 0 || gate.Denied != 1 {
		t.Fatalf("unexpected admin gate counts %+v", gate)
	}

	snapshot.Fetches[FetchSuccess] = 100
	if metrics.FetchCount(FetchSuccess) != 2 {
		t.Fatalf("snapshot must be a copy")
	}
}

func TestResolverRecordsPolicyOnFailure(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.err = errors.New("timeout")
	metrics := NewRoleMetrics()
	resolver := NewResolver(store, NewCache(time.Minute, newControllableClock()), WithFailurePolicy(FailClosed{}), WithMetrics(metrics))

	if _, err := resolver.Resolve(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snapshot := metrics.Snapshot()
	if snapshot.Fetches[FetchFailed] != 1 || snapshot.Policies["fail_closed"] != 1 {
		t.Fatalf("expected failure recorded against fail_closed, got %+v", snapshot)
	}
}

func TestResolverDoesNotDegradeCanceledFetch(t *testing.T) {
	t.Parallel()
	store := newStubRoleStore()
	store.err = context.Canceled
	cache := NewCache(time.Minute, newControllableClock())
	metrics := NewRoleMetrics()
	resolver := NewResolver(store, cache, WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := resolver.Resolve(ctx, "u1")
	if !errors.Is(err, ErrRoleFetchCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled fetch error, got %v", err)
	}
	if _, ok := cache.Read("u1"); ok {
		t.Fatalf("a canceled fetch must not populate the cache")
	}
	if metrics.FetchCount(FetchCanceled) != 1 || metrics.FetchCount(FetchFailed) != 0 {
		t.Fatalf("expected the fetch to count as canceled, got %+v", metrics.Snapshot())
	}
}

// gatedRoleStore reads rows on entry, then holds the call until release is closed.
type gatedRoleStore struct {
	*stubRoleStore
	entered chan struct{}
	release chan struct{}
}

func newGatedRoleStore() *gatedRoleStore {
	return &gatedRoleStore{
		stubRoleStore: newStubRoleStore(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (store *gatedRoleStore) setRows(userID string, rows []RoleRow) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.rows[userID] = rows
}

func (store *gatedRoleStore) FetchRoles(ctx context.Context, userID string) ([]RoleRow, error) {
	rows, err := store.stubRoleStore.FetchRoles(ctx, userID)
	select {
	case store.entered <- struct{}{}:
	default:
	}
	select {
	case <-store.release:
		return rows, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fetchResult struct {
	view View
	err  error
}

func fetchAsync(ctx context.Context, query *Query, auth AuthState) <-chan fetchResult {
	results := make(chan fetchResult, 1)
	go func() {
		view, err := query.Fetch(ctx, auth)
		results <- fetchResult{view: view, err: err}
	}()
	return results
}

func waitEntered(t *testing.T, store *gatedRoleStore) {
	t.Helper()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("store was never called")
	}
}

func waitResult(t *testing.T, results <-chan fetchResult) fetchResult {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not return")
		return fetchResult{}
	}
}

func TestQueryConcurrentCallersShareOneStoreCall(t *testing.T) {
	t.Parallel()
	store := newGatedRoleStore()
	store.setRows("u1", []RoleRow{{Role: "admin"}})
	query := newTestQuery(t, store, newControllableClock(), nil)
	auth := AuthState{UserID: "u1"}

	const callers = 8
	pending := make([]<-chan fetchResult, 0, callers)
	for index := 0; index < callers; index++ {
		pending = append(pending, fetchAsync(context.Background(), query, auth))
	}
	waitEntered(t, store)
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	for _, results := range pending {
		result := waitResult(t, results)
		if result.err != nil || !result.view.IsAdmin {
			t.Fatalf("expected admin view, got %+v, %v", result.view, result.err)
		}
	}
	if store.callCount() != 1 {
		t.Fatalf("expected concurrent callers to share one store call, got %d", store.callCount())
	}
}

func TestQueryCallerCancellationDoesNotAffectOthers(t *testing.T) {
	t.Parallel()
	store := newGatedRoleStore()
	store.setRows("u1", []RoleRow{{Role: "admin"}})
	query := newTestQuery(t, store, newControllableClock(), nil)
	auth := AuthState{UserID: "u1"}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := fetchAsync(firstCtx, query, auth)
	waitEntered(t, store)
	second := fetchAsync(context.Background(), query, auth)

	cancelFirst()
	if result := waitResult(t, first); !errors.Is(result.err, context.Canceled) {
		t.Fatalf("expected the canceled caller to see context.Canceled, got %v", result.err)
	}
	close(store.release)

	if result := waitResult(t, second); result.err != nil || !result.view.IsAdmin {
		t.Fatalf("expected the other caller to get admin, got %+v, %v", result.view, result.err)
	}
	view, err := query.Fetch(context.Background(), auth)
	if err != nil || !view.IsAdmin {
		t.Fatalf("expected admin to stay resolved after a caller hung up, got %+v, %v", view, err)
	}
}

func TestQueryInvalidateDiscardsInFlightFetch(t *testing.T) {
	t.Parallel()
	store := newGatedRoleStore()
	store.setRows("u1", []RoleRow{{Role: "admin"}})
	metrics := NewRoleMetrics()
	query := newTestQuery(t, store, newControllableClock(), metrics)
	auth := AuthState{UserID: "u1"}

	inFlight := fetchAsync(context.Background(), query, auth)
	waitEntered(t, store)

	store.setRows("u1", nil)
	query.Invalidate("u1")
	close(store.release)
	waitResult(t, inFlight)

	view, err := query.Fetch(context.Background(), auth)
	if err != nil {
		t.Fatalf("fetch after revoke: %v", err)
	}
	if view.IsAdmin || !reflect.DeepEqual(view.Roles, []Role{RoleUser}) {
		t.Fatalf("expected revoked admin to resolve to baseline, got %+v", view)
	}
	if store.callCount() != 2 {
		t.Fatalf("expected a fresh store call after invalidation, got %d", store.callCount())
	}
	if metrics.LookupCount(LookupDiscarded) != 1 {
		t.Fatalf("expected the stale fetch to be discarded, got %+v", metrics.Snapshot())
	}
}
