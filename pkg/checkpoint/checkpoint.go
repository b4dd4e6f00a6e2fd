// Package checkpoint persists ingestion progress so interrupted bulk loads
// can resume without re-reading candidates that already committed. Replayed
// lines are harmless thanks to idempotent commits, but skipping them saves
// the resolution work.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidStreamID is returned when a stream ID contains invalid characters
var ErrInvalidStreamID = errors.New("invalid stream ID: contains path traversal or invalid characters")

// Checkpoint records how far into a candidate stream ingestion has gotten.
type Checkpoint struct {
	// StreamID identifies the candidate stream, typically the input file name.
	StreamID string `json:"stream_id"`

	// LinesConsumed counts raw input lines already handed to batches.
	LinesConsumed int `json:"lines_consumed"`

	// BatchesDone counts batches that reached a terminal state.
	BatchesDone int `json:"batches_done"`

	LastBatchID string `json:"last_batch_id,omitempty"`

	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
}

// Manager stores checkpoints as JSON files in a directory.
type Manager struct {
	dir string
}

// NewManager creates a checkpoint manager.
// If dir is empty, uses os.TempDir()/graphfold-checkpoints.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "graphfold-checkpoints")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Manager{dir: dir}, nil
}

// validateStreamID checks that the stream ID is safe for use in file paths.
// It rejects IDs containing path separators, path traversal sequences, or null bytes.
func validateStreamID(streamID string) error {
	if streamID == "" {
		return ErrInvalidStreamID
	}
	if strings.Contains(streamID, "..") {
		return ErrInvalidStreamID
	}
	if strings.ContainsAny(streamID, `/\`) {
		return ErrInvalidStreamID
	}
	if strings.ContainsRune(streamID, '\x00') {
		return ErrInvalidStreamID
	}
	return nil
}

// isPathWithinDirectory checks that the resolved path is within the expected
// directory.
func isPathWithinDirectory(path, directory string) bool {
	cleanPath := filepath.Clean(path)
	cleanDir := filepath.Clean(directory)

	if !strings.HasSuffix(cleanDir, string(filepath.Separator)) {
		cleanDir += string(filepath.Separator)
	}
	return strings.HasPrefix(cleanPath, cleanDir) || cleanPath == filepath.Clean(directory)
}

// Path returns the file path for a stream's checkpoint.
func (m *Manager) Path(streamID string) (string, error) {
	if err := validateStreamID(streamID); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("checkpoint_%s.json", streamID)
	fullPath := filepath.Join(m.dir, filename)

	if !isPathWithinDirectory(fullPath, m.dir) {
		return "", ErrInvalidStreamID
	}
	return fullPath, nil
}

// Save persists the checkpoint to disk
func (m *Manager) Save(ctx context.Context, checkpoint *Checkpoint) error {
	checkpoint.LastUpdatedAt = time.Now()
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = checkpoint.LastUpdatedAt
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path, err := m.Path(checkpoint.StreamID)
	if err != nil {
		return fmt.Errorf("invalid stream ID: %w", err)
	}

	// Write to a temporary file first, then rename for atomic write
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint from disk. A missing checkpoint is (nil, nil).
func (m *Manager) Load(ctx context.Context, streamID string) (*Checkpoint, error) {
	path, err := m.Path(streamID)
	if err != nil {
		return nil, fmt.Errorf("invalid stream ID: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Delete removes a checkpoint from disk
func (m *Manager) Delete(ctx context.Context, streamID string) error {
	path, err := m.Path(streamID)
	if err != nil {
		return fmt.Errorf("invalid stream ID: %w", err)
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return nil
}

// Exists checks if a checkpoint exists for a stream
func (m *Manager) Exists(ctx context.Context, streamID string) (bool, error) {
	path, err := m.Path(streamID)
	if err != nil {
		return false, fmt.Errorf("invalid stream ID: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check checkpoint existence: %w", err)
	}
	return true, nil
}

// List returns all checkpoints in the checkpoint directory
func (m *Manager) List(ctx context.Context) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			continue
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			continue
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	return checkpoints, nil
}

// Cleanup removes checkpoints older than maxAge and returns how many were
// deleted.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0
	for _, checkpoint := range checkpoints {
		if checkpoint.LastUpdatedAt.Before(cutoff) {
			if err := m.Delete(ctx, checkpoint.StreamID); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}
