package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"nearest-departures/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
  run_id       uuid PRIMARY KEY,
  finished_at  timestamptz NOT NULL,
  outcome      text NOT NULL,
  error_kind   text,
  latitude     double precision,
  longitude    double precision,
  stop_id      text,
  departures   integer NOT NULL DEFAULT 0
)`

const insertRun = `
INSERT INTO pipeline_runs (run_id, finished_at, outcome, error_kind, latitude, longitude, stop_id, departures)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id) DO NOTHING`

// RunRecord is one finished run as stored in the journal. It is written
// for operations only and never read back into pipeline state.
type RunRecord struct {
	RunID      string
	FinishedAt time.Time
	Outcome    pipeline.Stage
	ErrorKind  sql.NullString
	Latitude   sql.NullFloat64
	Longitude  sql.NullFloat64
	StopID     sql.NullString
	Departures int
}

// RecordFromState builds a journal row from a terminal snapshot. It reports
// false for states that are still in flight.
func RecordFromState(s pipeline.State) (RunRecord, bool) {
	if !s.Stage.Terminal() || s.RunID == "" {
		return RunRecord{}, false
	}
	r := RunRecord{
		RunID:      s.RunID,
		FinishedAt: s.UpdatedAt,
		Outcome:    s.Stage,
		Departures: len(s.Departures),
	}
	if s.Error != nil {
		r.ErrorKind = sql.NullString{String: string(s.Error.Kind), Valid: true}
	}
	if s.Coordinate != nil {
		r.Latitude = sql.NullFloat64{Float64: s.Coordinate.Latitude, Valid: true}
		r.Longitude = sql.NullFloat64{Float64: s.Coordinate.Longitude, Valid: true}
	}
	if s.Stop != nil {
		r.StopID = sql.NullString{String: s.Stop.ID, Valid: true}
	}
	return r, true
}

type JournalMetrics interface {
	JournalObserve(err error)
}

// Execer is the slice of *sql.DB the journal writes through.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const journalQueueSize = 64

var errJournalQueueFull = errors.New("journal queue full")

// Journal appends finished runs to Postgres. Observe only queues the row; a
// single writer goroutine performs the inserts, so a slow database never
// holds up the pipeline.
type Journal struct {
	logger  *zap.Logger
	db      Execer
	metrics JournalMetrics
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan RunRecord
	done   chan struct{}
}

// NewJournal starts the writer. Close stops it after draining queued rows.
func NewJournal(logger *zap.Logger, db Execer, m JournalMetrics) *Journal {
	j := &Journal{
		logger:  logger,
		db:      db,
		metrics: m,
		timeout: 3 * time.Second,
		queue:   make(chan RunRecord, journalQueueSize),
		done:    make(chan struct{}),
	}
	go j.writeLoop()
	return j
}

func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create pipeline_runs: %w", err)
	}
	return nil
}

func (j *Journal) Record(ctx context.Context, r RunRecord) error {
	_, err := j.db.ExecContext(ctx, insertRun,
		r.RunID, r.FinishedAt, string(r.Outcome), r.ErrorKind, r.Latitude, r.Longitude, r.StopID, r.Departures)
	if j.metrics != nil {
		j.metrics.JournalObserve(err)
	}
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	return nil
}

// Observe is a pipeline.Observer queueing terminal states. It never blocks;
// rows are dropped when the writer is too far behind or the journal is closed.
func (j *Journal) Observe(s pipeline.State) {
	r, ok := RecordFromState(s)
	if !ok {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- r:
	default:
		if j.metrics != nil {
			j.metrics.JournalObserve(errJournalQueueFull)
		}
		j.logger.Warn("journal queue full, dropping run", zap.String("run_id", r.RunID))
	}
}

// Close stops accepting rows and waits for queued ones to be written.
func (j *Journal) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for r := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		if err := j.Record(ctx, r); err != nil {
			j.logger.Warn("journal write failed", zap.String("run_id", r.RunID), zap.Error(err))
		}
		cancel()
	}
}
