package roles

import (
	"strings"
	"sync"
)

// FetchOutcome classifies a single trip to the role store.
type FetchOutcome string

const (
	FetchSuccess  FetchOutcome = "success"
	FetchEmpty    FetchOutcome = "empty"
	FetchFailed   FetchOutcome = "failed"
	FetchCanceled FetchOutcome = "canceled"
)

// LookupSource records where a query answer came from.
type LookupSource string

const (
	LookupQuery     LookupSource = "query"
	LookupMemo      LookupSource = "memo"
	LookupStore     LookupSource = "store"
	LookupDiscarded LookupSource = "discarded"
)

// MetricsRecorder receives role resolution and gate events.
type MetricsRecorder interface {
	RecordFetch(outcome FetchOutcome)
	RecordPolicyApplied(policy string)
	RecordLookup(source LookupSource)
	RecordGate(required []Role, granted bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordFetch(FetchOutcome)   {}
func (noopMetrics) RecordPolicyApplied(string) {}
func (noopMetrics) RecordLookup(LookupSource)  {}
func (noopMetrics) RecordGate([]Role, bool)    {}

// GateCounts tallies server-side gate decisions for one required-role set.
type GateCounts struct {
	Granted int64 `json:"granted"`
	Denied  int64 `json:"denied"`
}

// MetricsSnapshot is a point-in-time copy of RoleMetrics.
type MetricsSnapshot struct {
	Fetches  map[FetchOutcome]int64 `json:"fetches"`
	Policies map[string]int64       `json:"failure_policies"`
	Lookups  map[LookupSource]int64 `json:"lookups"`
	Gates    map[string]GateCounts  `json:"gates"`
}

// RoleMetrics keeps in-memory role counters. Gate decisions are keyed by the
// comma-joined required roles, e.g. "admin" or "admin,guru".
type RoleMetrics struct {
	mutex    sync.Mutex
	fetches  map[FetchOutcome]int64
	policies map[string]int64
	lookups  map[LookupSource]int64
	gates    map[string]GateCounts
}

func NewRoleMetrics() *RoleMetrics {
	return &RoleMetrics{
		fetches:  make(map[FetchOutcome]int64),
		policies: make(map[string]int64),
		lookups:  make(map[LookupSource]int64),
		gates:    make(map[string]GateCounts),
	}
}

func (metrics *RoleMetrics) RecordFetch(outcome FetchOutcome) {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	metrics.fetches[outcome]++
}

// RecordPolicyApplied counts a failed fetch resolved by the named failure policy.
func (metrics *RoleMetrics) RecordPolicyApplied(policy string) {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	metrics.policies[policy]++
}

func (metrics *RoleMetrics) RecordLookup(source LookupSource) {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	metrics.lookups[source]++
}

func (metrics *RoleMetrics) RecordGate(required []Role, granted bool) {
	key := strings.Join(Strings(required), ",")
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	counts := metrics.gates[key]
	if granted {
		counts.Granted++
	} else {
		counts.Denied++
	}
	metrics.gates[key] = counts
}

func (metrics *RoleMetrics) FetchCount(outcome FetchOutcome) int64 {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	return metrics.fetches[outcome]
}

func (metrics *RoleMetrics) LookupCount(source LookupSource) int64 {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	return metrics.lookups[source]
}

// Snapshot returns a copy that is safe to encode while recording continues.
func (metrics *RoleMetrics) Snapshot() MetricsSnapshot {
	metrics.mutex.Lock()
	defer metrics.mutex.Unlock()
	snapshot := MetricsSnapshot{
		Fetches:  make(map[FetchOutcome]int64, len(metrics.fetches)),
		Policies: make(map[string]int64, len(metrics.policies)),
		Lookups:  make(map[LookupSource]int64, len(metrics.lookups)),
		Gates:    make(map[string]GateCounts, len(metrics.gates)),
	}
	for outcome, count := range metrics.fetches {
		snapshot.Fetches[outcome] = count
	}
	for policy, count := range metrics.policies {
		snapshot.Policies[policy] = count
	}
	for source, count := range metrics.lookups {
		snapshot.Lookups[source] = count
	}
	for key, counts := range metrics.gates {
		snapshot.Gates[key] = counts
	}
	return snapshot
}
