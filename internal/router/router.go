// Package router selects which model serves each step of a support
// request: the single classification call or the responder tool loop.
// Every selection is kept in a bounded audit log for introspection.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Purpose identifies which pipeline step needs a model.
type Purpose int

const (
	PurposeClassify Purpose = iota // one constrained routing call
	PurposeRespond                 // responder tool loop
)

func (p Purpose) String() string {
	if p == PurposeClassify {
		return "classify"
	}
	return "respond"
}

// Request describes the step being routed.
type Request struct {
	Purpose    Purpose
	Category   string // responder category; empty for classification
	Query      string // latest user message
	HistoryLen int
	ToolCount  int
}

// Complexity is a rough difficulty estimate of the user's message.
type Complexity int

const (
	ComplexitySimple   Complexity = iota // single lookup
	ComplexityModerate                   // lookup plus narration
	ComplexityComplex                    // disputes, comparisons, explanations
)

var complexityNames = [...]string{"simple", "moderate", "complex"}

func (c Complexity) String() string {
	if c < 0 || int(c) >= len(complexityNames) {
		return "unknown"
	}
	return complexityNames[c]
}

// MarshalText renders the complexity by name.
func (c Complexity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

var (
	complexMarkers = []string{"explain", "why", "compare", "dispute", "charged twice", "wrong", "never arrived", "refund"}
	simpleMarkers  = []string{"status", "track", "where is", "show", "list"}
)

func analyzeComplexity(query string) Complexity {
	q := strings.ToLower(query)
	switch {
	case containsAny(q, complexMarkers):
		return ComplexityComplex
	case containsAny(q, simpleMarkers):
		return ComplexitySimple
	default:
		return ComplexityModerate
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Model is a configured model and its relative strengths.
type Model struct {
	Name          string
	Provider      string
	SupportsTools bool
	Speed         int // 1-10, higher is faster
	Quality       int // 1-10, higher is better
}

// Config holds router configuration.
type Config struct {
	Models []Model
	// DefaultModel is preferred for responders and used when no model
	// is eligible.
	DefaultModel string
	// ClassifierModel pins classification; empty means score by speed.
	ClassifierModel string
	MaxAuditLog     int
}

// Router selects models and remembers why. It is safe for concurrent
// use.
type Router struct {
	logger *slog.Logger
	config Config
	audit  *auditLog
}

// NewRouter creates a router.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger: logger,
		config: config,
		audit:  newAuditLog(config.MaxAuditLog),
	}
}

// Route picks a model for req and returns it with the recorded
// decision.
func (r *Router) Route(ctx context.Context, req Request) (string, *Decision) {
	d := &Decision{
		RequestID:   uuid.Must(uuid.NewV7()).String(),
		Timestamp:   time.Now(),
		Purpose:     req.Purpose.String(),
		Category:    req.Category,
		QueryLength: len(req.Query),
		HistoryLen:  req.HistoryLen,
		ToolCount:   req.ToolCount,
		Complexity:  analyzeComplexity(req.Query),
	}
	d.ModelSelected = r.choose(req, d)
	r.audit.add(*d)

	r.logger.DebugContext(ctx, "model routed",
		"request_id", d.RequestID,
		"purpose", d.Purpose,
		"category", req.Category,
		"model", d.ModelSelected,
		"complexity", d.Complexity,
		"reasoning", d.Reasoning,
	)
	return d.ModelSelected, d
}

// scoreRule adjusts a candidate's score when it applies.
type scoreRule struct {
	name    string
	applies func(r *Router, req Request, d *Decision, m Model) bool
	delta   func(m Model) int
}

func flat(n int) func(Model) int { return func(Model) int { return n } }

var (
	// Classification output is a few tokens; latency dominates.
	classifyRules = []scoreRule{
		{name: "speed", applies: always, delta: func(m Model) int { return m.Speed * 3 }},
		{name: "quality", applies: always, delta: func(m Model) int { return m.Quality }},
	}

	respondRules = []scoreRule{
		{name: "quality", applies: always, delta: func(m Model) int { return m.Quality * 2 }},
		{
			name:    "default_bonus",
			applies: func(r *Router, _ Request, _ *Decision, m Model) bool { return m.Name == r.config.DefaultModel },
			delta:   flat(15),
		},
		{
			name:    "fast_for_simple",
			applies: func(_ *Router, _ Request, d *Decision, m Model) bool { return d.Complexity == ComplexitySimple && m.Speed >= 7 },
			delta:   flat(10),
		},
		{
			name:    "strong_for_complex",
			applies: func(_ *Router, _ Request, d *Decision, m Model) bool { return d.Complexity == ComplexityComplex && m.Quality >= 7 },
			delta:   flat(15),
		},
		{
			name:    "tools_penalty",
			applies: func(_ *Router, req Request, _ *Decision, m Model) bool { return req.ToolCount > 4 && m.Quality < 7 },
			delta:   flat(-20),
		},
		{
			name:    "history_penalty",
			applies: func(_ *Router, req Request, _ *Decision, m Model) bool { return req.HistoryLen > 20 && m.Quality < 7 },
			delta:   flat(-10),
		},
	}
)

func always(*Router, Request, *Decision, Model) bool { return true }

func (r *Router) choose(req Request, d *Decision) string {
	if req.Purpose == PurposeClassify && r.config.ClassifierModel != "" {
		d.RulesEvaluated = []string{"classifier_pinned"}
		d.RulesMatched = []string{"classifier_pinned"}
		d.Reasoning = "Classifier model pinned by configuration."
		return r.config.ClassifierModel
	}

	rules := respondRules
	if req.Purpose == PurposeClassify {
		rules = classifyRules
	}
	needsTools := req.Purpose == PurposeRespond && req.ToolCount > 0

	var (
		best   *Model
		scores = make(map[string]int)
	)
	for i, m := range r.config.Models {
		d.RulesEvaluated = append(d.RulesEvaluated, "check_"+m.Name)
		if needsTools && !m.SupportsTools {
			continue
		}
		d.RulesMatched = append(d.RulesMatched, "eligible_"+m.Name)

		score := 0
		for _, rule := range rules {
			if !rule.applies(r, req, d, m) {
				continue
			}
			score += rule.delta(m)
			if !isBaseRule(rule.name) {
				d.RulesMatched = append(d.RulesMatched, rule.name+"_"+m.Name)
			}
		}
		scores[m.Name] = score
		// Ties keep configuration order.
		if best == nil || score > scores[best.Name] {
			best = &r.config.Models[i]
		}
	}

	if best == nil {
		d.Reasoning = "No eligible models, using default."
		return r.config.DefaultModel
	}
	d.Scores = scores

	d.Reasoning = fmt.Sprintf("Selected %s (score=%d) to %s a %s query", best.Name, scores[best.Name], req.Purpose, d.Complexity)
	if req.Category != "" {
		d.Reasoning += " in " + req.Category
	}
	d.Reasoning += "."
	return best.Name
}

func isBaseRule(name string) bool { return name == "speed" || name == "quality" }
