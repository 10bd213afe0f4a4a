package router

import (
	"maps"
	"sync"
	"time"
)

// Decision records why a model was selected and, once reported, how
// the call went.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	Purpose     string     `json:"purpose"`
	Category    string     `json:"category,omitempty"`
	QueryLength int        `json:"query_length"`
	HistoryLen  int        `json:"history_len"`
	ToolCount   int        `json:"tool_count"`
	Complexity  Complexity `json:"complexity"`

	RulesEvaluated []string       `json:"rules_evaluated"`
	RulesMatched   []string       `json:"rules_matched"`
	Scores         map[string]int `json:"scores,omitempty"`

	ModelSelected string `json:"model_selected"`
	Reasoning     string `json:"reasoning"`

	LatencyMs  int64 `json:"latency_ms,omitempty"`
	TokensUsed int   `json:"tokens_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Stats aggregates routing activity since start.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	ModelCounts      map[string]int64 `json:"model_counts"`
	PurposeCounts    map[string]int64 `json:"purpose_counts"`
	AvgLatencyMs     map[string]int64 `json:"avg_latency_ms"`
	ComplexityCounts map[string]int64 `json:"complexity_counts"`
	Failures         int64            `json:"failures"`
}

type latency struct{ sum, n int64 }

// auditLog is a fixed-size ring of decisions with an ID index.
type auditLog struct {
	mu    sync.RWMutex
	ring  []Decision
	next  int // slot the next decision is written to
	full  bool
	index map[string]int // request ID -> slot

	total      int64
	failures   int64
	models     map[string]int64
	purposes   map[string]int64
	complexity map[string]int64
	latency    map[string]*latency
}

func newAuditLog(size int) *auditLog {
	return &auditLog{
		ring:       make([]Decision, size),
		index:      make(map[string]int, size),
		models:     make(map[string]int64),
		purposes:   make(map[string]int64),
		complexity: make(map[string]int64),
		latency:    make(map[string]*latency),
	}
}

func (a *auditLog) add(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.full {
		delete(a.index, a.ring[a.next].RequestID)
	}
	a.ring[a.next] = d
	a.index[d.RequestID] = a.next
	a.next = (a.next + 1) % len(a.ring)
	if a.next == 0 {
		a.full = true
	}

	a.total++
	a.models[d.ModelSelected]++
	a.purposes[d.Purpose]++
	a.complexity[d.Complexity.String()]++
}

// ordered returns retained decisions oldest first. Caller holds mu.
func (a *auditLog) ordered() []Decision {
	if !a.full {
		return a.ring[:a.next]
	}
	return append(a.ring[a.next:len(a.ring):len(a.ring)], a.ring[:a.next]...)
}

// RecordOutcome attaches execution results to a retained decision.
// Decisions already evicted are ignored.
func (r *Router) RecordOutcome(requestID string, latencyMs int64, tokensUsed int, success bool) {
	a := r.audit
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.index[requestID]
	if !ok {
		return
	}
	d := &a.ring[slot]
	d.LatencyMs = latencyMs
	d.TokensUsed = tokensUsed
	d.Success = &success

	l := a.latency[d.ModelSelected]
	if l == nil {
		l = &latency{}
		a.latency[d.ModelSelected] = l
	}
	l.sum += latencyMs
	l.n++
	if !success {
		a.failures++
	}
}

// GetAuditLog returns up to limit recent decisions, oldest first. A
// limit of zero or less returns everything retained.
func (r *Router) GetAuditLog(limit int) []Decision {
	a := r.audit
	a.mu.RLock()
	defer a.mu.RUnlock()

	all := a.ordered()
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Decision, limit)
	copy(out, all[len(all)-limit:])
	return out
}

// GetStats returns a snapshot of routing statistics.
func (r *Router) GetStats() Stats {
	a := r.audit
	a.mu.RLock()
	defer a.mu.RUnlock()

	avg := make(map[string]int64, len(a.latency))
	for model, l := range a.latency {
		avg[model] = l.sum / l.n
	}
	return Stats{
		TotalRequests:    a.total,
		ModelCounts:      maps.Clone(a.models),
		PurposeCounts:    maps.Clone(a.purposes),
		AvgLatencyMs:     avg,
		ComplexityCounts: maps.Clone(a.complexity),
		Failures:         a.failures,
	}
}

// Explain returns the decision recorded under requestID, or nil when it
// is unknown or evicted.
func (r *Router) Explain(requestID string) *Decision {
	a := r.audit
	a.mu.RLock()
	defer a.mu.RUnlock()

	slot, ok := a.index[requestID]
	if !ok {
		return nil
	}
	d := a.ring[slot]
	return &d
}
