// Package resolve fetches the live status for a batch of pull request
// references. Queries run on a bounded worker pool; transient failures
// are retried with exponential backoff, rate-limit signals pause the
// whole pool until the service's reset time, and partial success is the
// normal outcome, not an exception.
package resolve

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prsweep/prsweep/internal/github"
	"github.com/prsweep/prsweep/internal/model"
)

const (
	DefaultConcurrency = 5
	maxAttempts        = 3
	maxRateLimitWaits  = 3
	baseRetryDelay     = time.Second
)

// StatusProvider fetches the status of a single pull request.
type StatusProvider interface {
	GetStatus(ctx context.Context, ref model.PullRequestRef) (model.PullRequestStatus, error)
}

// Result holds the per-ref outcomes of one batch. Every input ref
// appears in exactly one of the two maps.
type Result struct {
	Statuses map[model.PullRequestRef]model.PullRequestStatus
	Errors   map[model.PullRequestRef]error
}

// Resolver resolves batches of references against a status provider.
type Resolver struct {
	provider    StatusProvider
	concurrency int
	gate        *rateLimitGate
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a resolver. Concurrency <= 0 selects the default.
func New(provider StatusProvider, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Resolver{
		provider:    provider,
		concurrency: concurrency,
		gate:        &rateLimitGate{},
		sleep:       sleepCtx,
	}
}

// Resolve fetches the status of every unique ref in the batch. Refs are
// deduplicated first, so a PR referenced by five messages is fetched
// once. Nothing is cached across invocations.
func (r *Resolver) Resolve(ctx context.Context, refs []model.PullRequestRef) *Result {
	result := &Result{
		Statuses: make(map[model.PullRequestRef]model.PullRequestStatus),
		Errors:   make(map[model.PullRequestRef]error),
	}

	unique := dedup(refs)
	if len(unique) == 0 {
		return result
	}

	log.Debug().Int("refs", len(unique)).Int("workers", r.concurrency).Msg("Resolving batch")

	type outcome struct {
		ref    model.PullRequestRef
		status model.PullRequestStatus
		err    error
	}

	refCh := make(chan model.PullRequestRef, len(unique))
	outCh := make(chan outcome, len(unique))

	workers := r.concurrency
	if workers > len(unique) {
		workers = len(unique)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range refCh {
				status, err := r.resolveOne(ctx, ref)
				outCh <- outcome{ref: ref, status: status, err: err}
			}
		}()
	}

	for _, ref := range unique {
		refCh <- ref
	}
	close(refCh)
	wg.Wait()
	close(outCh)

	for o := range outCh {
		if o.err != nil {
			result.Errors[o.ref] = o.err
		} else {
			result.Statuses[o.ref] = o.status
		}
	}

	log.Info().
		Int("resolved", len(result.Statuses)).
		Int("failed", len(result.Errors)).
		Msg("Status resolution complete")
	return result
}

// resolveOne fetches a single ref with bounded retries. A rate-limit
// response pauses the shared gate without consuming a transient attempt,
// but a ref tolerates at most maxRateLimitWaits of them before giving up;
// permanent errors fail immediately.
func (r *Resolver) resolveOne(ctx context.Context, ref model.PullRequestRef) (model.PullRequestStatus, error) {
	var lastErr error
	rateLimitWaits := 0

	for attempt := 0; attempt < maxAttempts; {
		if err := r.gate.wait(ctx, r.sleep); err != nil {
			return model.PullRequestStatus{}, err
		}

		status, err := r.provider.GetStatus(ctx, ref)
		if err == nil {
			return status, nil
		}
		lastErr = err

		var rateLimited *github.RateLimitError
		if errors.As(err, &rateLimited) {
			rateLimitWaits++
			if rateLimitWaits > maxRateLimitWaits {
				return model.PullRequestStatus{}, err
			}
			// The service can report a reset in the past (Retry-After: 0,
			// stale reset header, clock skew). Floor the pause so the gate
			// always holds for at least one delay interval.
			reset := rateLimited.Reset
			if floor := time.Now().Add(baseRetryDelay); reset.Before(floor) {
				reset = floor
			}
			log.Warn().
				Str("ref", ref.String()).
				Time("reset", reset).
				Msg("Rate limited, pausing resolver")
			r.gate.pauseUntil(reset)
			continue
		}

		var transient *github.TransientError
		if !errors.As(err, &transient) {
			// Permanent: missing PR, access denied. No point retrying.
			return model.PullRequestStatus{}, err
		}

		attempt++
		if attempt >= maxAttempts {
			break
		}

		delay := baseRetryDelay << (attempt - 1)
		log.Debug().
			Str("ref", ref.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Transient error, retrying")
		if err := r.sleep(ctx, delay); err != nil {
			return model.PullRequestStatus{}, err
		}
	}

	return model.PullRequestStatus{}, lastErr
}

func dedup(refs []model.PullRequestRef) []model.PullRequestRef {
	seen := make(map[model.PullRequestRef]struct{}, len(refs))
	var unique []model.PullRequestRef
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		unique = append(unique, ref)
	}
	return unique
}

// rateLimitGate holds all workers back until a service-indicated reset
// time has passed.
type rateLimitGate struct {
	mu    sync.Mutex
	until time.Time
}

func (g *rateLimitGate) pauseUntil(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.After(g.until) {
		g.until = t
	}
}

func (g *rateLimitGate) wait(ctx context.Context, sleep func(context.Context, time.Duration) error) error {
	g.mu.Lock()
	until := g.until
	g.mu.Unlock()

	if d := time.Until(until); d > 0 {
		return sleep(ctx, d)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
