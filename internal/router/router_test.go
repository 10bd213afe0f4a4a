package router

import (
	"io"
	"log/slog"
	"testing"
)

func newTestRouter() *Router {
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Models: []Model{
			{Name: "fast", Provider: "ollama", SupportsTools: true, Speed: 9, Quality: 5},
			{Name: "smart", Provider: "anthropic", SupportsTools: true, Speed: 5, Quality: 9},
			{Name: "notools", Provider: "ollama", SupportsTools: false, Speed: 10, Quality: 4},
		},
		DefaultModel: "smart",
		MaxAuditLog:  3,
	})
}

func TestAnalyzeComplexity(t *testing.T) {
	tests := []struct {
		query string
		want  Complexity
	}{
		{"where is my order ORD-1001", ComplexitySimple},
		{"show my invoices", ComplexitySimple},
		{"I was charged twice for INV-2001", ComplexityComplex},
		{"why was my card declined", ComplexityComplex},
		{"can I get a refund", ComplexityComplex},
		{"hello there", ComplexityModerate},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := analyzeComplexity(tt.query); got != tt.want {
				t.Errorf("analyzeComplexity(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestRoute_ClassifyPrefersSpeed(t *testing.T) {
	r := newTestRouter()
	model, d := r.Route(t.Context(), Request{Purpose: PurposeClassify, Query: "where is my order"})
	if model != "notools" {
		t.Errorf("classify model = %q, want notools (fastest, no tools needed)", model)
	}
	if d.Purpose != "classify" {
		t.Errorf("purpose = %q", d.Purpose)
	}
}

func TestRoute_ClassifierPinned(t *testing.T) {
	r := newTestRouter()
	r.config.ClassifierModel = "pinned"
	model, d := r.Route(t.Context(), Request{Purpose: PurposeClassify, Query: "hi"})
	if model != "pinned" {
		t.Errorf("model = %q, want pinned", model)
	}
	if len(d.RulesMatched) != 1 || d.RulesMatched[0] != "classifier_pinned" {
		t.Errorf("rules matched = %v", d.RulesMatched)
	}
}

func TestRoute_RespondRequiresTools(t *testing.T) {
	r := newTestRouter()
	model, d := r.Route(t.Context(), Request{Purpose: PurposeRespond, Category: "billing", Query: "I was charged twice", ToolCount: 5})
	if model != "smart" {
		t.Errorf("model = %q, want smart", model)
	}
	if _, ok := d.Scores["notools"]; ok {
		t.Error("model without tool support should not be scored")
	}
}

func TestRoute_NoEligibleFallsBackToDefault(t *testing.T) {
	r := NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Models:       []Model{{Name: "notools"}},
		DefaultModel: "fallback",
	})
	model, _ := r.Route(t.Context(), Request{Purpose: PurposeRespond, ToolCount: 2})
	if model != "fallback" {
		t.Errorf("model = %q, want fallback", model)
	}
}

func TestAuditLogBoundedAndStats(t *testing.T) {
	r := newTestRouter()
	var last *Decision
	for range 5 {
		_, last = r.Route(t.Context(), Request{Purpose: PurposeRespond, ToolCount: 1, Query: "status"})
	}

	log := r.GetAuditLog(0)
	if len(log) != 3 {
		t.Fatalf("audit log len = %d, want 3", len(log))
	}
	if log[len(log)-1].RequestID != last.RequestID {
		t.Error("most recent decision should be last")
	}

	r.RecordOutcome(last.RequestID, 120, 50, false)
	d := r.Explain(last.RequestID)
	if d == nil || d.Success == nil || *d.Success {
		t.Fatalf("Explain = %+v, want failed outcome", d)
	}

	stats := r.GetStats()
	if stats.TotalRequests != 5 || stats.PurposeCounts["respond"] != 5 || stats.Failures != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.AvgLatencyMs[last.ModelSelected] != 120 {
		t.Errorf("avg latency = %d, want 120", stats.AvgLatencyMs[last.ModelSelected])
	}

	stats.ModelCounts["mutated"] = 1
	if _, ok := r.GetStats().ModelCounts["mutated"]; ok {
		t.Error("GetStats should return a copy")
	}
}

func TestExplainUnknown(t *testing.T) {
	if d := newTestRouter().Explain("nope"); d != nil {
		t.Errorf("Explain(unknown) = %+v, want nil", d)
	}
}

func TestAuditLog_RingOrderAndEviction(t *testing.T) {
	r := newTestRouter()
	var ids []string
	for range 5 {
		_, d := r.Route(t.Context(), Request{Purpose: PurposeClassify, Query: "hi"})
		ids = append(ids, d.RequestID)
	}

	log := r.GetAuditLog(0)
	for i, d := range log {
		if d.RequestID != ids[i+2] {
			t.Errorf("log[%d] = %s, want %s", i, d.RequestID, ids[i+2])
		}
	}
	if got := r.GetAuditLog(2); len(got) != 2 || got[1].RequestID != ids[4] {
		t.Errorf("GetAuditLog(2) = %v", got)
	}

	if r.Explain(ids[0]) != nil {
		t.Error("evicted decision should not be explainable")
	}
	// Outcomes for evicted decisions are dropped without touching stats.
	r.RecordOutcome(ids[0], 999, 1, false)
	if s := r.GetStats(); s.Failures != 0 || len(s.AvgLatencyMs) != 0 {
		t.Errorf("stats after evicted outcome = %+v", s)
	}
}

func TestStats_AverageLatency(t *testing.T) {
	r := newTestRouter()
	for _, ms := range []int64{100, 200, 600} {
		_, d := r.Route(t.Context(), Request{Purpose: PurposeClassify, Query: "hi"})
		r.RecordOutcome(d.RequestID, ms, 10, true)
	}
	if got := r.GetStats().AvgLatencyMs["notools"]; got != 300 {
		t.Errorf("avg latency = %d, want 300", got)
	}
}
