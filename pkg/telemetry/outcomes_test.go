package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/graphfold/pkg/types"
)

func testOutcome(batchID string) *types.BatchOutcome {
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return &types.BatchOutcome{
		BatchID:      batchID,
		State:        types.BatchDone,
		NodesCreated: 3,
		EdgesCreated: 1,
		StartedAt:    started,
		FinishedAt:   started.Add(250 * time.Millisecond),
		Took:         250 * time.Millisecond,
	}
}

func parquetFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "batch_outcomes_*.parquet"))
	require.NoError(t, err)
	return files
}

func TestOutcomeReporterFlushesOnThreshold(t *testing.T) {
	dir := t.TempDir()
	reporter, err := NewOutcomeReporter(dir, 2, nil)
	require.NoError(t, err)

	reporter.Report(testOutcome("batch-1"))
	assert.Empty(t, parquetFiles(t, dir), "below threshold nothing is written")

	reporter.Report(testOutcome("batch-2"))
	files := parquetFiles(t, dir)
	require.Len(t, files, 1)

	rows, err := parquet.ReadFile[OutcomeRecord](files[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "batch-1", rows[0].BatchID)
	assert.Equal(t, "done", rows[0].State)
	assert.Equal(t, 3, rows[0].NodesCreated)
	assert.Equal(t, int64(250), rows[0].TookMillis)
	assert.NotEmpty(t, rows[0].ID)
}

func TestOutcomeReporterCloseFlushesRemainder(t *testing.T) {
	dir := t.TempDir()
	reporter, err := NewOutcomeReporter(dir, 100, nil)
	require.NoError(t, err)

	reporter.Report(testOutcome("batch-1"))
	require.NoError(t, reporter.Close())

	files := parquetFiles(t, dir)
	require.Len(t, files, 1)
	rows, err := parquet.ReadFile[OutcomeRecord](files[0])
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestOutcomeReporterCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "telemetry")
	_, err := NewOutcomeReporter(dir, 10, nil)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
