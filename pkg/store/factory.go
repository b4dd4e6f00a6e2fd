package store

import (
	"fmt"
	"log/slog"

	"github.com/soundprediction/graphfold/pkg/alert"
	"github.com/soundprediction/graphfold/pkg/config"
)

// Open builds the configured backend and wraps it in the retrying,
// rate-limited layer and, when enabled, the circuit breaker. This is the
// store the rest of the pipeline should use.
func Open(cfg *config.Config, alerter alert.Alerter, logger *slog.Logger) (GraphStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = &alert.NoOpAlerter{}
	}

	var backend GraphStore
	var err error
	switch cfg.Store.Driver {
	case "", "badger":
		backend, err = NewBadgerStoreFromConfig(cfg.Store, logger)
	case "neo4j":
		backend, err = NewNeo4jStore(cfg.Store, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	var layered GraphStore = NewRetryStore(backend, RetryStoreOptions{
		Config: &RetryConfig{
			MaxRetries:        cfg.Store.MaxRetries,
			InitialDelay:      cfg.Store.InitialBackoffDuration(),
			MaxDelay:          cfg.Store.MaxBackoffDuration(),
			BackoffMultiplier: 2.0,
		},
		MaxBatchSize:  cfg.Store.MaxBatchSize,
		RatePerSecond: cfg.Store.RatePerSecond,
		RateBurst:     cfg.Store.RateBurst,
		Logger:        logger,
	})

	if cfg.CircuitBreaker.Enabled {
		layered = NewCircuitBreakerStore(layered, cfg.CircuitBreaker, alerter, "graph-store", logger)
	}

	return layered, nil
}
