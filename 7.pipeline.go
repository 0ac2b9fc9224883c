package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ===========================
// Progress Throttle
// ===========================

// ProgressFunc receives batch progress. completed is true exactly once,
// on the final report.
type ProgressFunc func(resolved, total int, completed bool)

// ProgressThrottle rate-limits intermediate progress notifications to
// at most one per interval. Reports inside the window are coalesced
// into a single trailing timer that fires with the latest counts, so
// a burst of fast resolutions produces one edit instead of ten.
// Finish bypasses the window entirely; the terminal notification is
// never delayed and never dropped.
//
// Callback delivery is serialized under emit: the terminal report is
// always the last one delivered, and an in-flight trailing fire can
// never overwrite it.
type ProgressThrottle struct {
	interval time.Duration
	fn       ProgressFunc

	emit sync.Mutex

	mu       sync.Mutex
	nextFire time.Time
	timer    *time.Timer
	pendingR int
	pendingT int
	sealed   bool
}

func NewProgressThrottle(interval time.Duration, fn ProgressFunc) *ProgressThrottle {
	return &ProgressThrottle{interval: interval, fn: fn}
}

// Report offers an intermediate progress update. It fires immediately
// when the window is open, otherwise coalesces into the trailing timer.
func (p *ProgressThrottle) Report(resolved, total int) {
	p.emit.Lock()
	defer p.emit.Unlock()
	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Before(p.nextFire) {
		p.pendingR, p.pendingT = resolved, total
		if p.timer == nil {
			p.timer = time.AfterFunc(p.nextFire.Sub(now), p.fireTrailing)
		}
		p.mu.Unlock()
		return
	}
	p.nextFire = now.Add(p.interval)
	p.mu.Unlock()
	p.fn(resolved, total, false)
}

func (p *ProgressThrottle) fireTrailing() {
	p.emit.Lock()
	defer p.emit.Unlock()
	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return
	}
	r, t := p.pendingR, p.pendingT
	p.timer = nil
	p.nextFire = time.Now().Add(p.interval)
	p.mu.Unlock()
	p.fn(r, t, false)
}

// Finish emits the terminal report immediately, exactly once. Any
// pending trailing report is discarded; later calls are no-ops.
func (p *ProgressThrottle) Finish(resolved, total int) {
	p.emit.Lock()
	defer p.emit.Unlock()
	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		return
	}
	p.sealed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	p.fn(resolved, total, true)
}

// Stop cancels the throttle without firing anything. Used when the
// batch's session disappears mid-flight and nobody is listening.
// Taking emit first means Stop also waits out an in-flight delivery.
func (p *ProgressThrottle) Stop() {
	p.emit.Lock()
	defer p.emit.Unlock()
	p.mu.Lock()
	p.sealed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}

// ===========================
// Resolution Pipeline
// ===========================

// ErrResolutionFailed marks a query that could not be turned into a
// track. Per-query and non-fatal; the batch continues.
var ErrResolutionFailed = errors.New("query resolution failed")

// QueryResolver turns one user query into tracks. A query may expand
// to several tracks (playlists) or none (dropped with an error).
type QueryResolver func(ctx context.Context, query string) ([]*Track, error)

// ResolutionBatch tracks the progress of one multi-query request.
type ResolutionBatch struct {
	ID      uuid.UUID
	Queries []string

	mu       sync.Mutex
	resolved int
	failed   int
}

// Progress returns the resolved and failed counts so far. resolved
// only ever grows and never exceeds len(Queries).
func (b *ResolutionBatch) Progress() (resolved, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved, b.failed
}

const (
	defaultResolveWorkers = 3
	defaultReportInterval = 5 * time.Second
	defaultUpstreamPerSec = 4
	defaultUpstreamBurst  = 8
)

// TrackResolutionPipeline resolves batches of queries into tracks and
// feeds them to a session in source order, no matter in which order
// the bounded workers actually finish. Slots are buffered per source
// index; a flush pointer walks forward as soon as the next index is
// decided, so track 1 of a playlist is enqueued before track 2 even if
// track 2 resolved first.
type TrackResolutionPipeline struct {
	Registry *SessionRegistry
	Resolve  QueryResolver
	Gate     *rate.Limiter
	Workers  int
	Interval time.Duration

	// Front holds the whole batch back and inserts it at the head of
	// the queue in one operation once every query is decided. Inserting
	// slot by slot would reverse the batch's order.
	Front bool
}

func NewTrackResolutionPipeline(registry *SessionRegistry, resolve QueryResolver) *TrackResolutionPipeline {
	return &TrackResolutionPipeline{
		Registry: registry,
		Resolve:  resolve,
		Gate:     rate.NewLimiter(defaultUpstreamPerSec, defaultUpstreamBurst),
		Workers:  defaultResolveWorkers,
		Interval: defaultReportInterval,
	}
}

type resolutionSlot struct {
	tracks []*Track
	done   bool
	failed bool
}

// Start kicks off resolution of queries for the session and returns
// the batch handle immediately. onProgress receives throttled counts
// and a guaranteed terminal report; pass nil to skip reporting. The
// session's registry membership is re-checked before every enqueue, so
// a torn-down session stops receiving tracks and its batch ends with
// no further callbacks.
func (p *TrackResolutionPipeline) Start(ctx context.Context, queries []string, session *Session, onProgress ProgressFunc) *ResolutionBatch {
	batch := &ResolutionBatch{
		ID:      uuid.New(),
		Queries: queries,
	}
	if onProgress == nil {
		onProgress = func(int, int, bool) {}
	}
	throttle := NewProgressThrottle(p.Interval, onProgress)
	total := len(queries)
	if total == 0 {
		throttle.Finish(0, 0)
		return batch
	}

	go p.run(ctx, batch, session, throttle)
	return batch
}

func (p *TrackResolutionPipeline) run(ctx context.Context, batch *ResolutionBatch, session *Session, throttle *ProgressThrottle) {
	total := len(batch.Queries)
	LogResolver("Batch %s started with %d queries for guild %s", batch.ID, total, session.GuildID)

	var (
		mu      sync.Mutex
		slots   = make([]resolutionSlot, total)
		next    int
		aborted bool
		front   []*Track
	)

	// Flush every contiguous decided slot starting at next, enqueuing
	// resolved tracks in source order. Caller holds mu.
	flush := func() {
		if aborted {
			return
		}
		for next < total && slots[next].done {
			slot := slots[next]
			next++
			if slot.failed || len(slot.tracks) == 0 {
				continue
			}
			if p.Front {
				front = append(front, slot.tracks...)
				continue
			}
			if !p.Registry.Holds(session.GuildID, session) {
				aborted = true
				return
			}
			session.Enqueue(slot.tracks, false)
		}
	}

	sem := make(chan struct{}, p.Workers)
	var wg sync.WaitGroup
	for i, query := range batch.Queries {
		wg.Add(1)
		idx, q := i, query
		safeGo(func() {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			tracks, err := p.resolveOne(ctx, q)

			batch.mu.Lock()
			if err != nil {
				batch.failed++
			} else {
				batch.resolved++
			}
			resolved, failed := batch.resolved, batch.failed
			batch.mu.Unlock()

			mu.Lock()
			slots[idx] = resolutionSlot{tracks: tracks, done: true, failed: err != nil}
			flush()
			// A completion that cannot flush yet must still go silent
			// once the session is gone, not just the enqueuing ones.
			if !aborted && !p.Registry.Holds(session.GuildID, session) {
				aborted = true
			}
			stopped := aborted
			mu.Unlock()

			if stopped {
				return
			}
			if resolved+failed < total {
				throttle.Report(resolved, total)
			}
		})
	}
	wg.Wait()

	mu.Lock()
	stopped := aborted
	frontTracks := front
	mu.Unlock()
	if stopped || !p.Registry.Holds(session.GuildID, session) {
		throttle.Stop()
		LogResolver("Batch %s abandoned, session for guild %s is gone", batch.ID, session.GuildID)
		return
	}
	if p.Front && len(frontTracks) > 0 {
		session.Enqueue(frontTracks, true)
	}

	resolved, failed := batch.Progress()
	throttle.Finish(resolved, total)
	LogResolver("Batch %s finished: %d resolved, %d failed of %d", batch.ID, resolved, failed, total)
}

func (p *TrackResolutionPipeline) resolveOne(ctx context.Context, query string) ([]*Track, error) {
	if p.Gate != nil {
		if err := p.Gate.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
		}
	}
	tracks, err := p.Resolve(ctx, query)
	if err != nil {
		LogResolver("Query %q dropped: %v", query, err)
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	if len(tracks) == 0 {
		LogResolver("Query %q dropped: no results", query)
		return nil, fmt.Errorf("%w: no results", ErrResolutionFailed)
	}
	return tracks, nil
}
