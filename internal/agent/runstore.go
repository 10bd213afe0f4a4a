package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is one persisted responder execution.
type RunRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Category       string    `json:"category"`
	Model          string    `json:"model"`
	Steps          int       `json:"steps"`
	MaxSteps       int       `json:"max_steps"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Truncated      bool      `json:"truncated"`
	ToolsCalled    []string  `json:"tools_called,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMs     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

// CategoryStats aggregates the runs of one responder category.
type CategoryStats struct {
	Category      string  `json:"category"`
	Runs          int     `json:"runs"`
	Failed        int     `json:"failed"`
	Truncated     int     `json:"truncated"`
	AvgSteps      float64 `json:"avg_steps"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	TotalTokens   int64   `json:"total_tokens"`
}

// RunStore keeps responder run records in the application database.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates the run table when missing.
func NewRunStore(db *sql.DB) (*RunStore, error) {
	s := &RunStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate responder runs: %w", err)
	}
	return s, nil
}

func (s *RunStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS responder_runs (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			category        TEXT NOT NULL,
			model           TEXT NOT NULL,
			steps           INTEGER NOT NULL,
			max_steps       INTEGER NOT NULL,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			truncated       BOOLEAN NOT NULL DEFAULT 0,
			tools_called    TEXT,
			started_at      TIMESTAMP NOT NULL,
			completed_at    TIMESTAMP NOT NULL,
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			error           TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_conversation ON responder_runs(conversation_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_runs_category ON responder_runs(category);
	`)
	return err
}

// Record stores rec. Times are normalized to UTC so they sort as text.
func (s *RunStore) Record(ctx context.Context, rec *RunRecord) error {
	var tools any
	if len(rec.ToolsCalled) > 0 {
		b, err := json.Marshal(rec.ToolsCalled)
		if err != nil {
			return fmt.Errorf("encode tools: %w", err)
		}
		tools = string(b)
	}
	var errText any
	if rec.Error != "" {
		errText = rec.Error
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responder_runs (id, conversation_id, category, model, steps, max_steps,
			input_tokens, output_tokens, truncated, tools_called, started_at, completed_at, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.Category, rec.Model, rec.Steps, rec.MaxSteps,
		rec.InputTokens, rec.OutputTokens, rec.Truncated, tools,
		rec.StartedAt.UTC(), rec.CompletedAt.UTC(), rec.DurationMs, errText)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", rec.ID, err)
	}
	return nil
}

// ListByConversation returns a conversation's runs, newest first. A
// limit of zero returns all of them.
func (s *RunStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, category, model, steps, max_steps, input_tokens, output_tokens,
			truncated, tools_called, started_at, completed_at, duration_ms, error
		FROM responder_runs
		WHERE conversation_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(rows *sql.Rows) (*RunRecord, error) {
	var (
		rec          RunRecord
		tools, fault sql.NullString
	)
	if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Category, &rec.Model, &rec.Steps, &rec.MaxSteps,
		&rec.InputTokens, &rec.OutputTokens, &rec.Truncated, &tools,
		&rec.StartedAt, &rec.CompletedAt, &rec.DurationMs, &fault); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	rec.Error = fault.String
	if tools.Valid {
		if err := json.Unmarshal([]byte(tools.String), &rec.ToolsCalled); err != nil {
			return nil, fmt.Errorf("decode tools of run %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Stats aggregates runs per category, ordered by category name.
func (s *RunStore) Stats(ctx context.Context) ([]CategoryStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category,
			COUNT(*),
			COALESCE(SUM(error IS NOT NULL), 0),
			COALESCE(SUM(truncated), 0),
			AVG(steps),
			AVG(duration_ms),
			COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM responder_runs
		GROUP BY category
		ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}
	defer rows.Close()

	out := []CategoryStats{}
	for rows.Next() {
		var c CategoryStats
		if err := rows.Scan(&c.Category, &c.Runs, &c.Failed, &c.Truncated, &c.AvgSteps, &c.AvgDurationMs, &c.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan run stats: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
