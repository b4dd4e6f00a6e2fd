package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/soundprediction/graphfold/pkg/types"
	"github.com/soundprediction/graphfold/pkg/utils"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (default: 3)
	MaxRetries int
	// InitialDelay is the initial delay before the first retry (default: 200ms)
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries (default: 5 seconds)
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff (default: 2.0)
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryStore wraps a GraphStore with a call rate limit and retry logic with
// exponential backoff. Commits are additionally split into chunks of at most
// MaxBatchSize operations; each chunk is retried independently, and only the
// operations that actually failed are re-attempted. When a subset exhausts
// its retry budget the error is a *types.CommitFailedError carrying exactly
// those operations, so the caller can re-queue them.
type RetryStore struct {
	inner        GraphStore
	config       *RetryConfig
	limiter      *rate.Limiter
	maxBatchSize int
	logger       *slog.Logger
}

// RetryStoreOptions configures the retrying layer.
type RetryStoreOptions struct {
	Config *RetryConfig

	// MaxBatchSize bounds the operations per backend commit call (default: 500).
	MaxBatchSize int

	// RatePerSecond limits backend calls. Zero disables rate limiting.
	RatePerSecond float64
	RateBurst     int

	Logger *slog.Logger
}

// NewRetryStore creates a new retrying store wrapper.
func NewRetryStore(inner GraphStore, opts RetryStoreOptions) *RetryStore {
	config := opts.Config
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 200 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	maxBatchSize := opts.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 500
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RetryStore{
		inner:        inner,
		config:       config,
		limiter:      limiter,
		maxBatchSize: maxBatchSize,
		logger:       logger,
	}
}

// GetNode implements GraphReader with retry logic.
func (r *RetryStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return withRetry(ctx, r, func() (*types.Node, error) {
		return r.inner.GetNode(ctx, id)
	})
}

// GetEdge implements GraphReader with retry logic.
func (r *RetryStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	return withRetry(ctx, r, func() (*types.Edge, error) {
		return r.inner.GetEdge(ctx, id)
	})
}

// NodeExists implements GraphReader with retry logic.
func (r *RetryStore) NodeExists(ctx context.Context, id string) (bool, error) {
	return withRetry(ctx, r, func() (bool, error) {
		return r.inner.NodeExists(ctx, id)
	})
}

// FindNodeByKey implements GraphReader with retry logic.
func (r *RetryStore) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	return withRetry(ctx, r, func() (*types.Node, error) {
		return r.inner.FindNodeByKey(ctx, entityType, name)
	})
}

// LookupSimilar implements GraphReader with retry logic.
func (r *RetryStore) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]SimilarNode, error) {
	return withRetry(ctx, r, func() ([]SimilarNode, error) {
		return r.inner.LookupSimilar(ctx, entityType, embedding, k)
	})
}

// Stats implements GraphReader with retry logic.
func (r *RetryStore) Stats(ctx context.Context) (*types.GraphStats, error) {
	return withRetry(ctx, r, func() (*types.GraphStats, error) {
		return r.inner.Stats(ctx)
	})
}

// CommitBatch implements GraphWriter.
func (r *RetryStore) CommitBatch(ctx context.Context, ops []*types.MergeOperation) ([]types.OpResult, error) {
	if err := checkUniqueEntityIDs(ops); err != nil {
		return nil, err
	}

	resultsByID := make(map[string]types.OpResult, len(ops))
	var exhausted []*types.MergeOperation
	var lastErr error

	for _, chunk := range utils.Chunk(orderNodesFirst(ops), r.maxBatchSize) {
		remaining, err := r.commitChunk(ctx, chunk, resultsByID)
		if err != nil {
			return nil, err
		}
		if len(remaining) > 0 {
			exhausted = append(exhausted, remaining...)
			for _, op := range remaining {
				if res, ok := resultsByID[op.ID]; ok && res.Err != nil {
					lastErr = res.Err
				}
			}
		}
	}

	results := make([]types.OpResult, len(ops))
	for i, op := range ops {
		results[i] = resultsByID[op.ID]
	}

	if len(exhausted) > 0 {
		return results, &types.CommitFailedError{Ops: exhausted, Err: lastErr}
	}
	return results, nil
}

// commitChunk drives one chunk to completion, re-attempting only the
// operations that failed with a retryable error. It returns the operations
// still failing after the retry budget is spent.
func (r *RetryStore) commitChunk(ctx context.Context, chunk []*types.MergeOperation, resultsByID map[string]types.OpResult) ([]*types.MergeOperation, error) {
	pending := chunk

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Info("retrying commit",
				"attempt", attempt, "operations", len(pending), "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		results, err := r.inner.CommitBatch(ctx, pending)
		if err != nil {
			var commitErr *types.CommitFailedError
			if errors.As(err, &commitErr) || !IsRetryableError(err) {
				return nil, err
			}
			// Whole call failed transiently. Every pending op is unresolved.
			for _, op := range pending {
				resultsByID[op.ID] = types.OpResult{OperationID: op.ID, Status: types.OpFailed, Err: err}
			}
			continue
		}

		pendingByID := make(map[string]*types.MergeOperation, len(pending))
		for _, op := range pending {
			pendingByID[op.ID] = op
		}

		var retry []*types.MergeOperation
		for _, res := range results {
			resultsByID[res.OperationID] = res
			if res.Status == types.OpFailed && IsRetryableError(res.Err) {
				retry = append(retry, pendingByID[res.OperationID])
			}
		}

		if len(retry) == 0 {
			return nil, nil
		}
		pending = retry
	}

	return pending, nil
}

// Close implements GraphStore.
func (r *RetryStore) Close() error {
	return r.inner.Close()
}

// calculateDelay calculates the delay for a given retry attempt using exponential backoff
func (r *RetryStore) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	return time.Duration(delay)
}

// withRetry runs a read call under the rate limit and retry policy.
func withRetry[T any](ctx context.Context, r *RetryStore, call func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.calculateDelay(attempt)):
			case <-ctx.Done():
				return zero, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		result, err := call()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

// IsRetryableError determines if a store error is worth retrying. Logical
// failures such as unresolved endpoints or duplicate operation keys are not:
// re-running them cannot change the outcome.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrUnresolvedEndpoint) ||
		errors.Is(err, types.ErrDuplicateOperationKey) ||
		errors.Is(err, types.ErrEmptyID) ||
		errors.Is(err, types.ErrEmptyType) {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"connection reset",
		"connection refused",
		"temporary failure",
		"unavailable",
		"conflict",
		"too many requests",
		"transient",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

var _ GraphStore = (*RetryStore)(nil)
