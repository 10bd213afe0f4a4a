package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/supportdesk/internal/actions"
	"github.com/nugget/supportdesk/internal/agent"
	"github.com/nugget/supportdesk/internal/events"
	"github.com/nugget/supportdesk/internal/llm"
	"github.com/nugget/supportdesk/internal/router"
	"github.com/nugget/supportdesk/internal/stream"
)

// ErrUnknownCategory is returned for categories that are not routing
// targets, including CategoryRouter.
var ErrUnknownCategory = errors.New("unknown category")

// Fallback rationales.
const (
	noMessageReasoning = "No user message found; routing to general support."
	fallbackReasoning  = "Could not determine the request type; routing to general support."
)

const (
	noMessageConfidence = 1.0
	fallbackConfidence  = 0.5

	// recentTurns is how many assistant replies the activity summary covers.
	recentTurns = 3
)

// Config wires a Delegator.
type Config struct {
	Client  llm.Client
	Router  *router.Router
	Actions *actions.Registry // full catalog; each responder gets its subset
	Model   string            // used when Router is nil or selects nothing
	Runs    *agent.RunStore
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Turn summarises one earlier assistant reply for classification.
type Turn struct {
	Category string
	Tools    []string
}

// Request is one message to classify and answer.
type Request struct {
	agent.Input
	RequestID string

	// RecentTurns holds earlier assistant replies, oldest first.
	RecentTurns []Turn
}

// Classification is a routing decision.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Fallback   bool    `json:"-"`
}

// Delegator picks a responder per message and forwards to it.
type Delegator struct {
	cfg        Config
	profiles   map[string]*Profile
	responders map[string]*agent.Responder
	schema     map[string]any
	logger     *slog.Logger
}

// New builds a Delegator and one responder per selectable category.
func New(cfg Config) *Delegator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Actions == nil {
		cfg.Actions = actions.NewRegistry(cfg.Logger)
	}

	d := &Delegator{
		cfg:        cfg,
		profiles:   builtinProfiles(),
		responders: make(map[string]*agent.Responder, len(selectable)),
		logger:     cfg.Logger.With("component", "delegate"),
	}
	for _, cat := range selectable {
		p := d.profiles[cat]
		d.responders[cat] = agent.New(agent.Config{
			Category:     p.Category,
			Name:         p.Name,
			Instructions: p.Instructions,
			Actions:      cfg.Actions.FilteredCopy(p.Actions),
			Client:       cfg.Client,
			Router:       cfg.Router,
			Model:        cfg.Model,
			Runs:         cfg.Runs,
			Logger:       cfg.Logger,
		})
	}
	d.schema = decisionSchema()
	return d
}

func decisionSchema() map[string]any {
	enum := make([]any, len(selectable))
	for i, c := range selectable {
		enum[i] = c
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"category":   map[string]any{"type": "string", "enum": enum},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"reasoning":  map[string]any{"type": "string"},
		},
		"required": []any{"category", "confidence", "reasoning"},
	}
}

// Classify makes one constrained model call to place message in a
// category. It never fails: empty messages and unusable decisions fall
// back to DefaultCategory.
func (d *Delegator) Classify(ctx context.Context, message, recentActivity string) Classification {
	if strings.TrimSpace(message) == "" {
		return Classification{
			Category:   DefaultCategory,
			Confidence: noMessageConfidence,
			Reasoning:  noMessageReasoning,
			Fallback:   true,
		}
	}

	model := d.cfg.Model
	var decision *router.Decision
	if d.cfg.Router != nil {
		if m, dec := d.cfg.Router.Route(ctx, router.Request{
			Purpose: router.PurposeClassify,
			Query:   message,
		}); m != "" {
			model, decision = m, dec
		}
	}

	var prompt strings.Builder
	prompt.WriteString(d.profiles[CategoryRouter].Instructions)
	prompt.WriteString("\n\n## Specialists\n\n")
	for _, cat := range selectable {
		p := d.profiles[cat]
		fmt.Fprintf(&prompt, "- %s: %s\n", p.Category, p.Description)
	}

	content := message
	if recentActivity != "" {
		content = "Recent activity: " + recentActivity + "\n\nCustomer message: " + message
	}

	start := time.Now()
	var out Classification
	err := llm.GenerateStructured(ctx, d.cfg.Client, model, prompt.String(),
		[]llm.Message{{Role: llm.RoleUser, Content: content}}, d.schema, &out)
	if decision != nil {
		d.cfg.Router.RecordOutcome(decision.RequestID, time.Since(start).Milliseconds(), 0, err == nil)
	}
	if err != nil {
		d.logger.Warn("classification fell back to default",
			"model", model,
			"error", err,
		)
		return Classification{
			Category:   DefaultCategory,
			Confidence: fallbackConfidence,
			Reasoning:  fallbackReasoning,
			Fallback:   true,
		}
	}
	return out
}

// SummarizeActivity describes the categories and actions of the last
// few assistant replies, most recent last. It returns "" when turns is
// empty.
func SummarizeActivity(turns []Turn) string {
	if len(turns) > recentTurns {
		turns = turns[len(turns)-recentTurns:]
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		if t.Category == "" {
			continue
		}
		if len(t.Tools) == 0 {
			parts = append(parts, t.Category)
			continue
		}
		parts = append(parts, t.Category+" ("+strings.Join(t.Tools, ", ")+")")
	}
	return strings.Join(parts, "; ")
}

// Process classifies the request and streams the chosen responder's
// events. The channel carries thinking, routing, thinking, then the
// responder's events ending in done, or a single error event in place
// of whatever remained. It closes when the sequence ends or ctx is
// cancelled.
func (d *Delegator) Process(ctx context.Context, req Request) <-chan stream.Event {
	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		emit := func(ev stream.Event) error { return stream.Send(ctx, ch, ev) }
		if err := d.run(ctx, req, emit); err != nil && ctx.Err() == nil {
			d.logger.Error("request processing failed",
				"request_id", req.RequestID,
				"conversation_id", req.ConversationID,
				"error", err,
			)
			_ = emit(stream.Error(userMessage(err)))
		}
	}()
	return ch
}

func (d *Delegator) run(ctx context.Context, req Request, emit agent.Emit) error {
	if err := emit(stream.Thinking("Analyzing your request...")); err != nil {
		return err
	}

	c := d.Classify(ctx, agent.LastUserMessage(req.History), SummarizeActivity(req.RecentTurns))
	resp, ok := d.responders[c.Category]
	if !ok {
		resp = d.responders[DefaultCategory]
		c.Category = DefaultCategory
	}

	d.logger.Info("request routed",
		"request_id", req.RequestID,
		"conversation_id", req.ConversationID,
		"category", c.Category,
		"confidence", c.Confidence,
		"fallback", c.Fallback,
	)
	d.cfg.Bus.Emit(events.SourceDelegate, events.KindRouted, map[string]any{
		"request_id": req.RequestID,
		"category":   c.Category,
		"confidence": c.Confidence,
		"fallback":   c.Fallback,
	})

	if err := emit(stream.Event{Type: stream.TypeRouting, Data: stream.RoutingData{
		Category:   c.Category,
		AgentName:  resp.Name(),
		Reasoning:  c.Reasoning,
		Confidence: c.Confidence,
	}}); err != nil {
		return err
	}
	if err := emit(stream.Thinking("Connecting you to " + resp.Name() + "...")); err != nil {
		return err
	}

	_, err := resp.Run(ctx, req.Input, emit)
	return err
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The request took too long to complete. Please try again."
	case errors.Is(err, actions.ErrInvalidArguments), errors.Is(err, actions.ErrUnknownAction):
		return "Sorry, I couldn't complete that request: " + err.Error()
	default:
		return "Sorry, something went wrong while handling your request. Please try again."
	}
}

// AgentInfo describes a routing target.
type AgentInfo struct {
	Category    string `json:"category"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ActionInfo describes one action a responder may call.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AgentCapabilities is the full static description of a category.
type AgentCapabilities struct {
	Category     string       `json:"category"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Capabilities []string     `json:"capabilities"`
	Actions      []ActionInfo `json:"actions"`
}

// ListAgents returns the routing targets in display order.
func (d *Delegator) ListAgents() []AgentInfo {
	out := make([]AgentInfo, 0, len(selectable))
	for _, cat := range selectable {
		p := d.profiles[cat]
		out = append(out, AgentInfo{Category: p.Category, Name: p.Name, Description: p.Description})
	}
	return out
}

// GetAgentCapabilities describes one routing target.
func (d *Delegator) GetAgentCapabilities(category string) (*AgentCapabilities, error) {
	if _, ok := d.responders[category]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	p := d.profiles[category]

	acts := make([]ActionInfo, 0, len(p.Actions))
	for _, name := range p.Actions {
		info := ActionInfo{Name: name}
		if a := d.cfg.Actions.Get(name); a != nil {
			info.Description = a.Description
		}
		acts = append(acts, info)
	}
	return &AgentCapabilities{
		Category:     p.Category,
		Name:         p.Name,
		Description:  p.Description,
		Capabilities: append([]string(nil), p.Capabilities...),
		Actions:      acts,
	}, nil
}
