// Package processor audits finished turns. It follows the event stream
// retained by JetStream, folds each request's events into a summary and hands
// the summary to the storage writer once the request terminates.
package processor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/turnstream/internal/events"
	"github.com/namikmesic/turnstream/internal/storage"
	"github.com/rs/zerolog/log"
)

// Enqueuer accepts write jobs without blocking.
type Enqueuer interface {
	Enqueue(job storage.WriteJob) bool
}

type turn struct {
	sessionID     string
	startedAt     time.Time
	lastSeen      time.Time
	events        int
	warnings      int
	textBytes     int
	thinkingBytes int
	tools         map[string]*storage.ToolCallRecord
	order         []string
}

// Processor aggregates events per request. Only summaries leave it; partial
// streams are dropped when they go stale.
type Processor struct {
	writer Enqueuer
	now    func() time.Time

	mu    sync.Mutex
	turns map[string]*turn
}

func New(writer Enqueuer) *Processor {
	return &Processor{
		writer: writer,
		now:    time.Now,
		turns:  make(map[string]*turn),
	}
}

// Handle folds one event into its request's summary and emits the summary on
// the terminal event.
func (p *Processor) Handle(ev events.Event) {
	p.mu.Lock()
	t, ok := p.turns[ev.RequestID]
	if !ok {
		t = &turn{
			sessionID: ev.SessionID,
			startedAt: ev.Timestamp,
			tools:     make(map[string]*storage.ToolCallRecord),
		}
		p.turns[ev.RequestID] = t
	}
	t.lastSeen = p.now()
	t.events++

	switch pl := ev.Payload.(type) {
	case events.Text:
		t.textBytes += len(pl.Content)
	case events.Thinking:
		t.thinkingBytes += len(pl.Content)
	case events.ToolStart:
		if _, dup := t.tools[pl.ToolID]; !dup {
			t.tools[pl.ToolID] = &storage.ToolCallRecord{
				ToolID:    pl.ToolID,
				Position:  len(t.order),
				ToolName:  pl.ToolName,
				StartedAt: ev.Timestamp,
			}
			t.order = append(t.order, pl.ToolID)
		}
	case events.ToolComplete:
		if tc, ok := t.tools[pl.ToolID]; ok {
			tc.IsError = pl.IsError
			tc.DurationMs = int64(pl.DurationMs)
			tc.CompletedAt = ev.Timestamp
			tc.Done = true
		}
	case events.Error:
		if !pl.Terminal() {
			t.warnings++
		}
	}

	if !ev.Terminal() {
		p.mu.Unlock()
		return
	}
	delete(p.turns, ev.RequestID)
	p.mu.Unlock()

	p.record(ev, t)
}

func (p *Processor) record(ev events.Event, t *turn) {
	id, err := uuid.Parse(ev.RequestID)
	if err != nil {
		log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("skipping turn with malformed request id")
		return
	}

	rec := storage.TurnRecord{
		RequestID:     id,
		SessionID:     t.sessionID,
		StartedAt:     t.startedAt,
		FinishedAt:    ev.Timestamp,
		TextBytes:     t.textBytes,
		ThinkingBytes: t.thinkingBytes,
		EventCount:    t.events,
		WarningCount:  t.warnings,
		ToolCount:     len(t.order),
	}
	switch pl := ev.Payload.(type) {
	case events.Complete:
		rec.Status = storage.StatusComplete
		rec.CostUSD = pl.CostUSD
		rec.DurationMs = int64(pl.DurationMs)
		if pl.SessionID != "" {
			rec.SessionID = pl.SessionID
		}
	case events.Error:
		rec.Status = storage.StatusError
		rec.ErrorCode = pl.Code
		rec.ErrorMessage = pl.Message
		rec.ErrorSource = string(pl.Source)
		rec.Recoverable = pl.Recoverable
		rec.DurationMs = ev.Timestamp.Sub(t.startedAt).Milliseconds()
	}

	tools := make([]storage.ToolCallRecord, 0, len(t.order))
	for _, toolID := range t.order {
		tools = append(tools, *t.tools[toolID])
	}

	if !p.writer.Enqueue(&storage.TurnJob{Turn: rec, Tools: tools}) {
		log.Warn().Str("request_id", ev.RequestID).Msg("turn audit dropped")
		return
	}

	log.Debug().
		Str("request_id", ev.RequestID).
		Str("status", rec.Status).
		Str("code", rec.ErrorCode).
		Int("events", rec.EventCount).
		Int("tools", rec.ToolCount).
		Msg("turn recorded")
}

// Sweep forgets requests that have not produced an event within maxIdle.
// Their partial state is discarded, not stored.
func (p *Processor) Sweep(maxIdle time.Duration) int {
	cutoff := p.now().Add(-maxIdle)

	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, t := range p.turns {
		if t.lastSeen.Before(cutoff) {
			delete(p.turns, id)
			n++
		}
	}
	return n
}

// Pending reports how many requests are still being aggregated.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.turns)
}
