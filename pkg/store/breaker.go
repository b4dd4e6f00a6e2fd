package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soundprediction/graphfold/pkg/alert"
	"github.com/soundprediction/graphfold/pkg/config"
	"github.com/soundprediction/graphfold/pkg/types"
)

// CircuitBreakerStore wraps a GraphStore with circuit breaking logic. When
// the backend fails persistently the breaker opens, calls fail fast instead
// of piling up, and the alerter is notified.
type CircuitBreakerStore struct {
	inner   GraphStore
	cb      *gobreaker.CircuitBreaker
	alerter alert.Alerter
	name    string
}

// NewCircuitBreakerStore creates a new circuit breaker store wrapper.
func NewCircuitBreakerStore(inner GraphStore, cfg config.CircuitBreakerConfig, alerter alert.Alerter, name string, logger *slog.Logger) *CircuitBreakerStore {
	if logger == nil {
		logger = slog.Default()
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		// A missing document is an answer, not a backend failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, types.ErrNotFound)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("store circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				msg := fmt.Sprintf("Circuit Breaker '%s' changed status from %s to %s. Too many store failures detected.", name, from, to)
				if alerter != nil {
					_ = alerter.Alert(fmt.Sprintf("URGENT: Circuit Breaker Tripped - %s", name), msg)
				}
			}
		},
	}

	return &CircuitBreakerStore{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(st),
		alerter: alerter,
		name:    name,
	}
}

func execute[T any](c *CircuitBreakerStore, call func() (T, error)) (T, error) {
	resp, err := c.cb.Execute(func() (interface{}, error) {
		return call()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return resp.(T), nil
}

// GetNode implements GraphReader.
func (c *CircuitBreakerStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	return execute(c, func() (*types.Node, error) {
		return c.inner.GetNode(ctx, id)
	})
}

// GetEdge implements GraphReader.
func (c *CircuitBreakerStore) GetEdge(ctx context.Context, id string) (*types.Edge, error) {
	return execute(c, func() (*types.Edge, error) {
		return c.inner.GetEdge(ctx, id)
	})
}

// NodeExists implements GraphReader.
func (c *CircuitBreakerStore) NodeExists(ctx context.Context, id string) (bool, error) {
	return execute(c, func() (bool, error) {
		return c.inner.NodeExists(ctx, id)
	})
}

// FindNodeByKey implements GraphReader.
func (c *CircuitBreakerStore) FindNodeByKey(ctx context.Context, entityType, name string) (*types.Node, error) {
	return execute(c, func() (*types.Node, error) {
		return c.inner.FindNodeByKey(ctx, entityType, name)
	})
}

// LookupSimilar implements GraphReader.
func (c *CircuitBreakerStore) LookupSimilar(ctx context.Context, entityType string, embedding []float32, k int) ([]SimilarNode, error) {
	return execute(c, func() ([]SimilarNode, error) {
		return c.inner.LookupSimilar(ctx, entityType, embedding, k)
	})
}

// Stats implements GraphReader.
func (c *CircuitBreakerStore) Stats(ctx context.Context) (*types.GraphStats, error) {
	return execute(c, func() (*types.GraphStats, error) {
		return c.inner.Stats(ctx)
	})
}

// CommitBatch implements GraphWriter.
func (c *CircuitBreakerStore) CommitBatch(ctx context.Context, ops []*types.MergeOperation) ([]types.OpResult, error) {
	return execute(c, func() ([]types.OpResult, error) {
		return c.inner.CommitBatch(ctx, ops)
	})
}

// Close implements GraphStore.
func (c *CircuitBreakerStore) Close() error {
	return c.inner.Close()
}

var _ GraphStore = (*CircuitBreakerStore)(nil)
