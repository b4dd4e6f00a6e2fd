// Package coordinator drives batches through the ingestion state machine:
// Pending -> Resolving -> Reconciled -> Committing -> Done, with Failed and
// PartiallyFailed as terminal error states. Advisory locks on every entity
// key a batch touches are held from Resolving through Committing, so two
// batches can never race on the same entity.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soundprediction/graphfold/pkg/reconciler"
	"github.com/soundprediction/graphfold/pkg/store"
	"github.com/soundprediction/graphfold/pkg/types"
	"github.com/soundprediction/graphfold/pkg/utils"
)

// Reporter receives the outcome of every finished batch.
type Reporter interface {
	Report(outcome *types.BatchOutcome)
}

// NoOpReporter discards outcomes.
type NoOpReporter struct{}

func (NoOpReporter) Report(*types.BatchOutcome) {}

// maxTrackedBatches bounds how many finished batches keep their terminal
// state queryable. The oldest finished batch is evicted first.
const maxTrackedBatches = 10000

// Coordinator runs batches against the reconciler and store.
type Coordinator struct {
	reconciler *reconciler.Reconciler
	graph      store.GraphStore
	locks      *utils.KeyLock
	reporter   Reporter
	workers    int
	maxTracked int
	logger     *slog.Logger

	mu        sync.Mutex
	states    map[string]types.BatchState
	cancelled map[string]bool
	finished  []string // terminal batch ids, oldest first

	requeues sync.WaitGroup
}

// Options configures a Coordinator.
type Options struct {
	// Workers bounds concurrently processed batches (default: 4).
	Workers int

	Reporter Reporter
	Logger   *slog.Logger
}

// New creates a Coordinator.
func New(rec *reconciler.Reconciler, graph store.GraphStore, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Reporter == nil {
		opts.Reporter = NoOpReporter{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		reconciler: rec,
		graph:      graph,
		locks:      utils.NewKeyLock(),
		reporter:   opts.Reporter,
		workers:    opts.Workers,
		maxTracked: maxTrackedBatches,
		logger:     opts.Logger,
		states:     make(map[string]types.BatchState),
		cancelled:  make(map[string]bool),
	}
}

// State reports the last observed state of a batch, or BatchPending for an
// unknown id.
func (c *Coordinator) State(batchID string) types.BatchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[batchID]; ok {
		return state
	}
	return types.BatchPending
}

// Cancel requests cancellation of a batch. It reports whether the request was
// accepted: once a batch has entered Committing its operations are already in
// flight and cancellation is refused.
func (c *Coordinator) Cancel(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.states[batchID] {
	case types.BatchCommitting, types.BatchDone, types.BatchFailed, types.BatchPartiallyFailed:
		return false
	}
	c.cancelled[batchID] = true
	return true
}

func (c *Coordinator) setState(batchID string, state types.BatchState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[batchID] = state

	switch state {
	case types.BatchDone, types.BatchFailed, types.BatchPartiallyFailed:
		delete(c.cancelled, batchID)
		c.finished = append(c.finished, batchID)
		for len(c.finished) > c.maxTracked {
			evicted := c.finished[0]
			c.finished = c.finished[1:]
			delete(c.states, evicted)
		}
	}
}

func (c *Coordinator) isCancelled(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[batchID]
}

// Run drains the feed, processing batches on a bounded worker group. It
// returns once the feed is exhausted or the context is cancelled. Individual
// batch failures are reported through the Reporter, not returned.
func (c *Coordinator) Run(ctx context.Context, feed Feed) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers)

	for {
		batch, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = group.Wait()
			return err
		}

		group.Go(func() error {
			if _, err := c.ProcessBatch(ctx, batch); err != nil {
				c.logger.Error("batch failed", "batch_id", batch.ID, "error", err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}
	c.requeues.Wait()
	return nil
}

// Wait blocks until all in-flight follow-up commits have finished.
func (c *Coordinator) Wait() {
	c.requeues.Wait()
}

// ProcessBatch runs one batch through the full state machine and reports its
// outcome. The returned error describes terminal failures; deferred work is
// not an error.
func (c *Coordinator) ProcessBatch(ctx context.Context, batch *types.Batch) (*types.BatchOutcome, error) {
	outcome := &types.BatchOutcome{
		BatchID:   batch.ID,
		State:     types.BatchPending,
		StartedAt: time.Now().UTC(),
	}
	c.setState(batch.ID, types.BatchPending)

	finish := func(state types.BatchState, err error) (*types.BatchOutcome, error) {
		outcome.State = state
		outcome.FinishedAt = time.Now().UTC()
		outcome.Took = outcome.FinishedAt.Sub(outcome.StartedAt)
		c.setState(batch.ID, state)
		c.reporter.Report(outcome)
		return outcome, err
	}

	if batch.IsEmpty() {
		return finish(types.BatchDone, nil)
	}
	if c.isCancelled(batch.ID) {
		return finish(types.BatchFailed, types.ErrBatchCancelled)
	}

	// The lock set covers every entity key the batch can touch and is held
	// across resolution, reconciliation and commit.
	release, err := c.locks.AcquireAll(ctx, batch.EntityKeys())
	if err != nil {
		return finish(types.BatchFailed, err)
	}
	defer release()

	c.setState(batch.ID, types.BatchResolving)
	result, err := c.reconciler.Reconcile(ctx, batch)
	if err != nil {
		return finish(types.BatchFailed, err)
	}
	c.setState(batch.ID, types.BatchReconciled)

	outcome.Deferred = len(result.Deferred)
	for _, d := range result.Deferred {
		outcome.DeferredNotes = append(outcome.DeferredNotes, d.String())
	}

	// Last cancellation point. Beyond here operations hit the store.
	if c.isCancelled(batch.ID) {
		return finish(types.BatchFailed, types.ErrBatchCancelled)
	}

	if len(result.Ops) == 0 {
		if outcome.Deferred > 0 {
			return finish(types.BatchPartiallyFailed, nil)
		}
		return finish(types.BatchDone, nil)
	}

	c.setState(batch.ID, types.BatchCommitting)
	results, commitErr := c.graph.CommitBatch(ctx, result.Ops)
	tallyResults(outcome, result.Ops, results)

	if commitErr != nil {
		var failed *types.CommitFailedError
		if errors.As(commitErr, &failed) {
			// The failed subset survives as a follow-up commit; everything
			// else in the batch landed.
			c.logger.Warn("commit exhausted retries for a subset",
				"batch_id", batch.ID, "failed_ops", len(failed.Ops))
			c.requeueFailedOps(ctx, batch.ID, failed.Ops)
			return finish(types.BatchPartiallyFailed, commitErr)
		}
		return finish(types.BatchFailed, fmt.Errorf("commit failed: %w", commitErr))
	}

	if outcome.Failed > 0 || outcome.Deferred > 0 {
		return finish(types.BatchPartiallyFailed, nil)
	}
	return finish(types.BatchDone, nil)
}

// requeueFailedOps schedules one more commit attempt for the operations that
// exhausted their retry budget, as its own tracked follow-up batch.
func (c *Coordinator) requeueFailedOps(ctx context.Context, batchID string, ops []*types.MergeOperation) {
	retryID := batchID + "/requeue"
	c.setState(retryID, types.BatchPending)

	// The follow-up commit must survive the originating batch's context.
	ctx = context.WithoutCancel(ctx)

	c.requeues.Add(1)
	utils.SafeGo(func() {
		defer c.requeues.Done()
		outcome := &types.BatchOutcome{
			BatchID:   retryID,
			StartedAt: time.Now().UTC(),
		}
		c.setState(retryID, types.BatchCommitting)
		results, err := c.graph.CommitBatch(ctx, ops)
		tallyResults(outcome, ops, results)

		state := types.BatchDone
		if err != nil || outcome.Failed > 0 {
			state = types.BatchFailed
			c.logger.Error("requeued commit failed", "batch_id", retryID, "error", err)
		}
		outcome.State = state
		outcome.FinishedAt = time.Now().UTC()
		outcome.Took = outcome.FinishedAt.Sub(outcome.StartedAt)
		c.setState(retryID, state)
		c.reporter.Report(outcome)
	}, nil)
}

// tallyResults folds per-operation commit results into the outcome counters.
func tallyResults(outcome *types.BatchOutcome, ops []*types.MergeOperation, results []types.OpResult) {
	byID := make(map[string]*types.MergeOperation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}
	for _, res := range results {
		op := byID[res.OperationID]
		if op == nil {
			continue
		}
		if res.Status == types.OpFailed {
			outcome.Failed++
			continue
		}
		switch op.Kind {
		case types.OpCreateNode:
			outcome.NodesCreated++
		case types.OpUpdateNode:
			outcome.NodesUpdated++
		case types.OpCreateEdge:
			outcome.EdgesCreated++
		case types.OpUpdateEdge:
			outcome.EdgesUpdated++
		}
	}
}
