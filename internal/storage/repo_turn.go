package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	StatusComplete = "complete"
	StatusError    = "error"
)

// TurnRecord summarizes one finished request. Partial text is never stored,
// only its size.
type TurnRecord struct {
	RequestID     uuid.UUID
	SessionID     string
	StartedAt     time.Time
	FinishedAt    time.Time
	Status        string
	ErrorCode     string
	ErrorMessage  string
	ErrorSource   string
	Recoverable   bool
	CostUSD       float64
	DurationMs    int64
	TextBytes     int
	ThinkingBytes int
	EventCount    int
	WarningCount  int
	ToolCount     int
}

type ToolCallRecord struct {
	ToolID      string
	Position    int
	ToolName    string
	IsError     bool
	Done        bool
	DurationMs  int64
	StartedAt   time.Time
	CompletedAt time.Time
}

// dbtx is the part of pgx.Tx the turn writes need.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// TurnJob writes a turn summary and its tool calls in one transaction. A
// redelivered turn is skipped.
type TurnJob struct {
	Turn  TurnRecord
	Tools []ToolCallRecord
}

func (j *TurnJob) Execute(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		inserted, err := insertTurn(ctx, tx, &j.Turn)
		if err != nil {
			return fmt.Errorf("insert turn %s: %w", j.Turn.RequestID, err)
		}
		if !inserted || len(j.Tools) == 0 {
			return nil
		}
		if _, err := copyToolCalls(ctx, tx, j.Turn.RequestID, j.Tools); err != nil {
			return fmt.Errorf("copy tool calls %s: %w", j.Turn.RequestID, err)
		}
		return nil
	})
}

func insertTurn(ctx context.Context, db dbtx, r *TurnRecord) (bool, error) {
	tag, err := db.Exec(ctx, `
		INSERT INTO turns (
			request_id, session_id, started_at, finished_at, status,
			error_code, error_message, error_source, recoverable,
			cost_usd, duration_ms, text_bytes, thinking_bytes,
			event_count, warning_count, tool_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (request_id) DO NOTHING`,
		r.RequestID, r.SessionID, r.StartedAt, r.FinishedAt, r.Status,
		nilIfEmpty(r.ErrorCode), nilIfEmpty(r.ErrorMessage), nilIfEmpty(r.ErrorSource), nilUnlessError(r),
		r.CostUSD, r.DurationMs, r.TextBytes, r.ThinkingBytes,
		r.EventCount, r.WarningCount, r.ToolCount,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func copyToolCalls(ctx context.Context, db dbtx, requestID uuid.UUID, tools []ToolCallRecord) (int64, error) {
	rows := make([][]any, len(tools))
	for i, t := range tools {
		var completed *time.Time
		if t.Done {
			completed = &t.CompletedAt
		}
		rows[i] = []any{
			requestID,
			t.ToolID,
			t.Position,
			t.ToolName,
			t.IsError,
			t.Done,
			t.DurationMs,
			t.StartedAt,
			completed,
		}
	}

	return db.CopyFrom(ctx,
		pgx.Identifier{"tool_calls"},
		[]string{"request_id", "tool_id", "position", "tool_name", "is_error", "done", "duration_ms", "started_at", "completed_at"},
		pgx.CopyFromRows(rows),
	)
}

// CountTurns returns how many turns were recorded for a session.
func CountTurns(ctx context.Context, pool *pgxpool.Pool, sessionID string) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `SELECT count(*) FROM turns WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilUnlessError(r *TurnRecord) *bool {
	if r.Status != StatusError {
		return nil
	}
	return &r.Recoverable
}
