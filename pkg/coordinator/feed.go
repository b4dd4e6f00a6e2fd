package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"github.com/soundprediction/graphfold/pkg/types"
)

// Feed supplies batches of candidates to the coordinator. Next returns io.EOF
// once the feed is drained.
type Feed interface {
	Next(ctx context.Context) (*types.Batch, error)
}

// SliceFeed serves a fixed set of batches. Meant for tests and one-shot runs.
type SliceFeed struct {
	mu      sync.Mutex
	batches []*types.Batch
}

// NewSliceFeed creates a feed over the given batches.
func NewSliceFeed(batches ...*types.Batch) *SliceFeed {
	return &SliceFeed{batches: batches}
}

// Next implements Feed.
func (f *SliceFeed) Next(ctx context.Context) (*types.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, io.EOF
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

// feedRecord is one line of a JSONL candidate stream.
type feedRecord struct {
	Kind         string                       `json:"kind"`
	Entity       *types.CandidateEntity       `json:"entity,omitempty"`
	Relationship *types.CandidateRelationship `json:"relationship,omitempty"`
}

// JSONLFeed reads candidates from a JSON-lines stream and groups them into
// batches. Lines that are not valid JSON are run through jsonrepair before
// being rejected, since upstream extractors routinely emit slightly broken
// output. Irreparable lines are skipped and counted.
type JSONLFeed struct {
	scanner   *bufio.Scanner
	batchSize int
	skipped   int
	lines     int
	mu        sync.Mutex
}

// NewJSONLFeed creates a feed over r, cutting batches of at most batchSize
// candidates.
func NewJSONLFeed(r io.Reader, batchSize int) *JSONLFeed {
	if batchSize <= 0 {
		batchSize = 500
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &JSONLFeed{scanner: scanner, batchSize: batchSize}
}

// Skipped reports how many lines could not be parsed even after repair.
func (f *JSONLFeed) Skipped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

// Lines reports how many raw input lines have been consumed, including blank
// and unparseable ones.
func (f *JSONLFeed) Lines() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lines
}

// SkipLines discards the next n lines without parsing them. Used to resume a
// checkpointed stream.
func (f *JSONLFeed) SkipLines(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		if !f.scanner.Scan() {
			break
		}
		f.lines++
	}
	return f.scanner.Err()
}

// Next implements Feed.
func (f *JSONLFeed) Next(ctx context.Context) (*types.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := &types.Batch{ID: uuid.New().String()}
	count := 0

	for count < f.batchSize && f.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.lines++
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}

		record, err := parseRecord(line)
		if err != nil {
			f.skipped++
			continue
		}

		switch {
		case record.Entity != nil:
			if record.Entity.SourceBatchID == "" {
				record.Entity.SourceBatchID = batch.ID
			}
			batch.Entities = append(batch.Entities, record.Entity)
			count++
		case record.Relationship != nil:
			if record.Relationship.SourceBatchID == "" {
				record.Relationship.SourceBatchID = batch.ID
			}
			batch.Relationships = append(batch.Relationships, record.Relationship)
			count++
		default:
			f.skipped++
		}
	}

	if err := f.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidate stream: %w", err)
	}
	if batch.IsEmpty() {
		return nil, io.EOF
	}
	return batch, nil
}

func parseRecord(line string) (*feedRecord, error) {
	record := &feedRecord{}
	if err := json.Unmarshal([]byte(line), record); err == nil {
		return record, nil
	}

	repaired, err := jsonrepair.JSONRepair(line)
	if err != nil {
		return nil, fmt.Errorf("unparseable candidate line: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), record); err != nil {
		return nil, fmt.Errorf("unparseable candidate line after repair: %w", err)
	}
	return record, nil
}
