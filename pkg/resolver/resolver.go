// Package resolver decides whether a candidate entity refers to a node that
// already exists in the graph. An exact natural-key lookup runs first; only
// when that misses does the resolver fall back to embedding similarity over
// the top-K same-type nodes.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/soundprediction/graphfold/pkg/schema"
	"github.com/soundprediction/graphfold/pkg/store"
	"github.com/soundprediction/graphfold/pkg/types"
)

// Resolution is the outcome of resolving one candidate.
type Resolution struct {
	// Node is the matched existing node, nil when the candidate is new.
	Node *types.Node

	// Score is the similarity that produced the match. Exact natural-key
	// matches report 1.
	Score float64

	// Exact marks a natural-key match, which bypasses the similarity pass.
	Exact bool
}

// Matched reports whether the candidate resolved to an existing node.
func (r *Resolution) Matched() bool { return r.Node != nil }

// Resolver matches candidates against the persisted graph.
type Resolver struct {
	reader    store.GraphReader
	schema    *schema.Schema
	threshold float64
	lookupK   int
	logger    *slog.Logger
}

// Options configures a Resolver.
type Options struct {
	// Threshold is the global similarity threshold (default: 0.7). The domain
	// schema may override it per entity type.
	Threshold float64

	// LookupK bounds the similarity candidates fetched per lookup (default: 10).
	LookupK int

	Schema *schema.Schema
	Logger *slog.Logger
}

// New creates a Resolver over the given store reader.
func New(reader store.GraphReader, opts Options) *Resolver {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.7
	}
	if opts.LookupK <= 0 {
		opts.LookupK = 10
	}
	if opts.Schema == nil {
		opts.Schema = &schema.Schema{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		reader:    reader,
		schema:    opts.Schema,
		threshold: opts.Threshold,
		lookupK:   opts.LookupK,
		logger:    opts.Logger,
	}
}

// Resolve matches one candidate. A store failure during lookup fails with
// ErrResolutionUnavailable so the caller defers the candidate instead of
// guessing; a clean miss returns an unmatched Resolution.
func (r *Resolver) Resolve(ctx context.Context, candidate *types.CandidateEntity) (*Resolution, error) {
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	if candidate.Name != "" {
		node, err := r.reader.FindNodeByKey(ctx, candidate.Type, candidate.Name)
		if err == nil {
			return &Resolution{Node: node, Score: 1, Exact: true}, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", types.ErrResolutionUnavailable, err)
		}
	}

	if len(candidate.Embedding) == 0 {
		return &Resolution{}, nil
	}

	similar, err := r.reader.LookupSimilar(ctx, candidate.Type, candidate.Embedding, r.lookupK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrResolutionUnavailable, err)
	}

	threshold := r.schema.ThresholdFor(candidate.Type, r.threshold)
	matches := similar[:0:0]
	for _, s := range similar {
		if s.Score >= threshold {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return &Resolution{}, nil
	}

	best := pickBest(matches)
	r.logger.Debug("candidate resolved by similarity",
		"type", candidate.Type, "name", candidate.Name,
		"node_id", best.Node.ID, "score", best.Score, "threshold", threshold)
	return &Resolution{Node: best.Node, Score: best.Score}, nil
}

// pickBest orders tied matches deterministically: higher similarity wins,
// then higher best provenance confidence, then the lexically lowest node id.
func pickBest(matches []store.SimilarNode) store.SimilarNode {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		ci, cj := matches[i].Node.BestConfidence(), matches[j].Node.BestConfidence()
		if ci != cj {
			return ci > cj
		}
		return matches[i].Node.ID < matches[j].Node.ID
	})
	return matches[0]
}
