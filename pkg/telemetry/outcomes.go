package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/soundprediction/graphfold/pkg/types"
)

// OutcomeRecord is one finished batch in Parquet storage.
type OutcomeRecord struct {
	ID            string    `parquet:"id"`
	BatchID       string    `parquet:"batch_id"`
	State         string    `parquet:"state"`
	NodesCreated  int       `parquet:"nodes_created"`
	NodesUpdated  int       `parquet:"nodes_updated"`
	EdgesCreated  int       `parquet:"edges_created"`
	EdgesUpdated  int       `parquet:"edges_updated"`
	Deferred      int       `parquet:"deferred"`
	Failed        int       `parquet:"failed"`
	StartedAt     time.Time `parquet:"started_at"`
	FinishedAt    time.Time `parquet:"finished_at"`
	TookMillis    int64     `parquet:"took_millis"`
	DeferredNotes string    `parquet:"deferred_notes"` // newline separated
}

// OutcomeReporter buffers batch outcomes and writes them to Parquet files.
// Report never fails; write errors are logged and the records dropped, so
// telemetry trouble cannot stall ingestion.
type OutcomeReporter struct {
	outputDir  string
	flushEvery int
	logger     *slog.Logger

	mu     sync.Mutex
	buffer []OutcomeRecord
}

// NewOutcomeReporter creates a reporter writing under outputDir, flushing
// every flushEvery outcomes (default 100).
func NewOutcomeReporter(outputDir string, flushEvery int, logger *slog.Logger) (*OutcomeReporter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	if flushEvery <= 0 {
		flushEvery = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeReporter{
		outputDir:  outputDir,
		flushEvery: flushEvery,
		logger:     logger,
		buffer:     make([]OutcomeRecord, 0, flushEvery),
	}, nil
}

// Report buffers one outcome, flushing when the buffer fills.
func (r *OutcomeReporter) Report(outcome *types.BatchOutcome) {
	record := OutcomeRecord{
		ID:            uuid.New().String(),
		BatchID:       outcome.BatchID,
		State:         string(outcome.State),
		NodesCreated:  outcome.NodesCreated,
		NodesUpdated:  outcome.NodesUpdated,
		EdgesCreated:  outcome.EdgesCreated,
		EdgesUpdated:  outcome.EdgesUpdated,
		Deferred:      outcome.Deferred,
		Failed:        outcome.Failed,
		StartedAt:     outcome.StartedAt,
		FinishedAt:    outcome.FinishedAt,
		TookMillis:    outcome.Took.Milliseconds(),
		DeferredNotes: strings.Join(outcome.DeferredNotes, "\n"),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, record)
	if len(r.buffer) >= r.flushEvery {
		r.flush()
	}
}

// Flush writes any buffered outcomes out immediately.
func (r *OutcomeReporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flush()
}

// Close flushes remaining outcomes.
func (r *OutcomeReporter) Close() error {
	r.Flush()
	return nil
}

// flush writes the buffer to a new Parquet file. Caller must hold the lock.
func (r *OutcomeReporter) flush() {
	if len(r.buffer) == 0 {
		return
	}

	filename := fmt.Sprintf("batch_outcomes_%s_%d.parquet", time.Now().Format("20060102_150405"), time.Now().UnixNano())
	path := filepath.Join(r.outputDir, filename)

	if err := parquet.WriteFile(path, r.buffer); err != nil {
		r.logger.Error("failed to write outcome parquet file", "path", path, "error", err)
		return
	}

	r.buffer = r.buffer[:0]
}
