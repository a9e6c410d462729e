package removal

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/metrics"
	"github.com/cuemby/herd/pkg/relation"
	"github.com/rs/zerolog"
)

// RemoveFunc removes one node from the cluster
type RemoveFunc func(ctx context.Context, hostname string) error

// Queue is the set of departed hostnames awaiting removal from the cluster.
// It lives in the application scope of the peer relation so that any leader
// resumes from the same entries. Every mutation reads the latest envelope
// and writes it back whole, the relation store has no compare-and-swap.
type Queue struct {
	store  relation.Store
	rel    string
	app    string
	logger zerolog.Logger
}

// NewQueue creates the queue stored on rel under the application scope of app
func NewQueue(store relation.Store, rel, app string) *Queue {
	return &Queue{
		store:  store,
		rel:    rel,
		app:    app,
		logger: log.WithRelation(rel).With().Str("component", "removal").Logger(),
	}
}

// List returns the queued hostnames in sorted order
func (q *Queue) List(ctx context.Context) ([]string, error) {
	data, err := relation.ReadAppData(ctx, q.store, q.rel, q.app)
	if err != nil {
		return nil, err
	}
	return normalize(data.RemoveNodes), nil
}

// Add enqueues hostname. Returns false if it was already queued.
func (q *Queue) Add(ctx context.Context, hostname string) (bool, error) {
	if hostname == "" {
		return false, nil
	}

	data, err := relation.ReadAppData(ctx, q.store, q.rel, q.app)
	if err != nil {
		return false, err
	}
	current := normalize(data.RemoveNodes)
	if contains(current, hostname) {
		return false, nil
	}

	data.RemoveNodes = append(current, hostname)
	if err := relation.WriteAppData(ctx, q.store, q.rel, q.app, data); err != nil {
		return false, fmt.Errorf("failed to enqueue %s: %w", hostname, err)
	}
	metrics.RemovalQueueLength.Set(float64(len(data.RemoveNodes)))

	q.logger.Info().Str("hostname", hostname).Msg("Queued node for removal")
	return true, nil
}

// Remove dequeues hostnames, ignoring those not queued
func (q *Queue) Remove(ctx context.Context, hostnames ...string) error {
	if len(hostnames) == 0 {
		return nil
	}

	data, err := relation.ReadAppData(ctx, q.store, q.rel, q.app)
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(hostnames))
	for _, h := range hostnames {
		drop[h] = true
	}

	current := normalize(data.RemoveNodes)
	kept := make([]string, 0, len(current))
	for _, h := range current {
		if !drop[h] {
			kept = append(kept, h)
		}
	}
	if len(kept) == len(current) {
		return nil
	}

	data.RemoveNodes = kept
	if err := relation.WriteAppData(ctx, q.store, q.rel, q.app, data); err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	metrics.RemovalQueueLength.Set(float64(len(kept)))
	return nil
}

// DrainResult reports what a drain pass did
type DrainResult struct {
	Removed []string
	Failed  map[string]error
	// Skipped holds the local hostname, which is never removed by itself
	Skipped []string
	// LostLeadership is set when the pass stopped because leadership moved
	LostLeadership bool
}

// Drain removes every queued hostname except self. isLeader is checked
// before each removal and the pass stops as soon as it reports false.
// Failed hostnames stay queued for a later pass.
func (q *Queue) Drain(ctx context.Context, self string, isLeader func() bool, remove RemoveFunc) (DrainResult, error) {
	result := DrainResult{Failed: make(map[string]error)}

	pending, err := q.List(ctx)
	if err != nil {
		return result, err
	}

	for _, h := range pending {
		if h == self {
			result.Skipped = append(result.Skipped, h)
			continue
		}
		if !isLeader() {
			q.logger.Info().Msg("Lost leadership, stopping node removal")
			result.LostLeadership = true
			break
		}

		if err := remove(ctx, h); err != nil {
			q.logger.Warn().Err(err).Str("hostname", h).Msg("Failed to remove node, will retry")
			result.Failed[h] = err
			continue
		}

		q.logger.Info().Str("hostname", h).Msg("Removed node from cluster")
		metrics.NodesRemoved.Inc()
		result.Removed = append(result.Removed, h)
	}

	if err := q.Remove(ctx, result.Removed...); err != nil {
		return result, err
	}
	return result, nil
}

func normalize(hostnames []string) []string {
	seen := make(map[string]bool, len(hostnames))
	out := make([]string, 0, len(hostnames))
	for _, h := range hostnames {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}
