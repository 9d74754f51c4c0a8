// Package usage persists per-turn token and tool-call accounting in a local
// SQLite database, for the usage CLI report.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS turn_usage (
	session_id  TEXT NOT NULL,
	turn_id     TEXT NOT NULL,
	phase       TEXT NOT NULL,
	role        TEXT NOT NULL DEFAULT '',
	tokens      INTEGER NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_turn_usage_turn ON turn_usage(session_id, turn_id);

CREATE TABLE IF NOT EXISTS tool_calls (
	session_id  TEXT NOT NULL,
	turn_id     TEXT NOT NULL,
	tool        TEXT NOT NULL,
	status      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON tool_calls(session_id, turn_id);
`

// Store wraps the usage database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the usage database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("usage db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RecordTokens records tokens consumed by one phase/role call.
func (s *Store) RecordTokens(ctx context.Context, sessionID, turnID, phase, role string, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_usage (session_id, turn_id, phase, role, tokens) VALUES (?, ?, ?, ?, ?)`,
		sessionID, turnID, phase, role, tokens)
	if err != nil {
		return fmt.Errorf("record tokens: %w", err)
	}
	logging.UsageDebug("%s/%s %s(%s): %d tokens", sessionID, turnID, phase, role, tokens)
	return nil
}

// RecordToolCall records one tool invocation outcome.
func (s *Store) RecordToolCall(ctx context.Context, sessionID, turnID, tool, status string, elapsed time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (session_id, turn_id, tool, status, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		sessionID, turnID, tool, status, elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// TurnSummary aggregates one turn's usage.
type TurnSummary struct {
	SessionID   string
	TurnID      string
	TotalTokens int
	ToolCalls   int
}

// SessionSummary returns per-turn aggregates for a session, newest turn
// first.
func (s *Store) SessionSummary(ctx context.Context, sessionID string) ([]TurnSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.turn_id,
		       COALESCE(SUM(u.tokens), 0),
		       (SELECT COUNT(*) FROM tool_calls t WHERE t.session_id = u.session_id AND t.turn_id = u.turn_id)
		FROM turn_usage u
		WHERE u.session_id = ?
		GROUP BY u.turn_id
		ORDER BY u.turn_id DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session summary: %w", err)
	}
	defer rows.Close()

	var out []TurnSummary
	for rows.Next() {
		ts := TurnSummary{SessionID: sessionID}
		if err := rows.Scan(&ts.TurnID, &ts.TotalTokens, &ts.ToolCalls); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// TokensByPhase returns a turn's token usage broken down by phase.
func (s *Store) TokensByPhase(ctx context.Context, sessionID, turnID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, COALESCE(SUM(tokens), 0)
		FROM turn_usage
		WHERE session_id = ? AND turn_id = ?
		GROUP BY phase`, sessionID, turnID)
	if err != nil {
		return nil, fmt.Errorf("tokens by phase: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var phase string
		var tokens int
		if err := rows.Scan(&phase, &tokens); err != nil {
			return nil, err
		}
		out[phase] = tokens
	}
	return out, rows.Err()
}
