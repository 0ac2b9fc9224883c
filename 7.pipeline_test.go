package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type progressCall struct {
	resolved, total int
	completed       bool
}

// progressRecorder is a ProgressFunc that records every notification
// and signals on the terminal one.
type progressRecorder struct {
	mu       sync.Mutex
	calls    []progressCall
	terminal chan progressCall
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{terminal: make(chan progressCall, 4)}
}

func (p *progressRecorder) fn(resolved, total int, completed bool) {
	p.mu.Lock()
	p.calls = append(p.calls, progressCall{resolved, total, completed})
	p.mu.Unlock()
	if completed {
		p.terminal <- progressCall{resolved, total, completed}
	}
}

func (p *progressRecorder) snapshot() []progressCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progressCall, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *progressRecorder) waitTerminal(t *testing.T) progressCall {
	t.Helper()
	select {
	case c := <-p.terminal:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal progress report")
		return progressCall{}
	}
}

func testPipeline(r *SessionRegistry, resolve QueryResolver) *TrackResolutionPipeline {
	p := NewTrackResolutionPipeline(r, resolve)
	p.Gate = nil
	p.Interval = 10 * time.Millisecond
	return p
}

func oneTrackPerQuery(ctx context.Context, q string) ([]*Track, error) {
	return []*Track{NewTrack("https://example.test/"+q, VariantYouTubeVod, nil)}, nil
}

func TestPipelineEnqueuesInSourceOrder(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	// The first query finishes last; the later results must wait for it.
	releaseFirst := make(chan struct{})
	var later sync.WaitGroup
	later.Add(2)
	resolve := func(ctx context.Context, q string) ([]*Track, error) {
		if q == "q0" {
			later.Wait()
			<-releaseFirst
		} else {
			defer later.Done()
		}
		return oneTrackPerQuery(ctx, q)
	}

	rec := newProgressRecorder()
	p := testPipeline(r, resolve)
	p.Start(context.Background(), []string{"q0", "q1", "q2"}, s, rec.fn)

	later.Wait()
	if s.CurrentTrack() != nil {
		t.Fatal("nothing may be enqueued before the first slot is decided")
	}
	close(releaseFirst)

	term := rec.waitTerminal(t)
	if term.resolved != 3 || term.total != 3 {
		t.Fatalf("expected terminal 3/3, got %d/%d", term.resolved, term.total)
	}
	if cur := s.CurrentTrack(); cur == nil || !strings.HasSuffix(cur.Link, "/q0") {
		t.Fatalf("expected q0 first, got %+v", cur)
	}
	got := sessionLinks(s)
	if len(got) != 2 || !strings.HasSuffix(got[0], "/q1") || !strings.HasSuffix(got[1], "/q2") {
		t.Fatalf("expected queue [q1 q2], got %v", got)
	}
}

func TestPipelineDropsFailedQueries(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	resolve := func(ctx context.Context, q string) ([]*Track, error) {
		if q == "bad1" || q == "bad2" {
			return nil, errors.New("no such thing")
		}
		return oneTrackPerQuery(ctx, q)
	}

	rec := newProgressRecorder()
	p := testPipeline(r, resolve)
	batch := p.Start(context.Background(), []string{"a", "bad1", "b", "bad2", "c"}, s, rec.fn)

	term := rec.waitTerminal(t)
	if term.resolved != 3 || term.total != 5 {
		t.Fatalf("expected terminal 3/5, got %d/%d", term.resolved, term.total)
	}
	if _, failed := batch.Progress(); failed != 2 {
		t.Fatalf("expected 2 failures counted, got %d", failed)
	}

	var links []string
	if cur := s.CurrentTrack(); cur != nil {
		links = append(links, cur.Link)
	}
	links = append(links, sessionLinks(s)...)
	want := []string{"/a", "/b", "/c"}
	if len(links) != len(want) {
		t.Fatalf("expected %d tracks, got %v", len(want), links)
	}
	for i, suffix := range want {
		if !strings.HasSuffix(links[i], suffix) {
			t.Fatalf("position %d: expected suffix %q in %v", i, suffix, links)
		}
	}
}

func TestPipelineAllFailuresStillCompletes(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	resolve := func(ctx context.Context, q string) ([]*Track, error) {
		return nil, errors.New("everything is broken")
	}

	rec := newProgressRecorder()
	p := testPipeline(r, resolve)
	p.Start(context.Background(), []string{"a", "b", "c"}, s, rec.fn)

	term := rec.waitTerminal(t)
	if term.resolved != 0 || term.total != 3 {
		t.Fatalf("expected terminal 0/3, got %d/%d", term.resolved, term.total)
	}
	if s.CurrentTrack() != nil || s.QueueLen() != 0 {
		t.Fatal("nothing should be enqueued when every query fails")
	}
	if !r.Holds(testGuildID, s) {
		t.Fatal("the pipeline must never remove a session")
	}
}

func TestPipelineTerminalReportFiresExactlyOnce(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	rec := newProgressRecorder()
	p := testPipeline(r, oneTrackPerQuery)
	p.Start(context.Background(), []string{"a", "b", "c", "d"}, s, rec.fn)

	rec.waitTerminal(t)
	time.Sleep(50 * time.Millisecond)

	terminals := 0
	for _, c := range rec.snapshot() {
		if c.completed {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly 1 terminal report, got %d", terminals)
	}
}

func TestPipelineStopsFeedingRemovedSession(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	release := make(chan struct{})
	resolve := func(ctx context.Context, q string) ([]*Track, error) {
		<-release
		return oneTrackPerQuery(ctx, q)
	}

	rec := newProgressRecorder()
	p := testPipeline(r, resolve)
	p.Start(context.Background(), []string{"a", "b"}, s, rec.fn)

	r.Remove(testGuildID)
	close(release)
	time.Sleep(100 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("no notifications may fire after teardown, got %v", calls)
	}
	if s.CurrentTrack() != nil || s.QueueLen() != 0 {
		t.Fatal("removed session must not receive tracks")
	}
}

func TestPipelineSilencesLateCompletionsAfterTeardown(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	// q1 completes first, so its slot is buffered behind the still
	// in-flight q0 and never reaches an enqueue.
	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	resolve := func(ctx context.Context, q string) ([]*Track, error) {
		if q == "q0" {
			<-releaseFirst
		} else {
			<-releaseSecond
		}
		return oneTrackPerQuery(ctx, q)
	}

	rec := newProgressRecorder()
	p := testPipeline(r, resolve)
	p.Start(context.Background(), []string{"q0", "q1"}, s, rec.fn)

	r.Remove(testGuildID)
	close(releaseSecond)
	time.Sleep(50 * time.Millisecond)
	close(releaseFirst)
	time.Sleep(100 * time.Millisecond)

	if calls := rec.snapshot(); len(calls) != 0 {
		t.Fatalf("no notifications may fire after teardown, got %v", calls)
	}
	if s.CurrentTrack() != nil || s.QueueLen() != 0 {
		t.Fatal("removed session must not receive tracks")
	}
}

func TestPipelineEmptyBatchCompletesImmediately(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)

	rec := newProgressRecorder()
	p := testPipeline(r, oneTrackPerQuery)
	p.Start(context.Background(), nil, s, rec.fn)

	term := rec.waitTerminal(t)
	if term.resolved != 0 || term.total != 0 {
		t.Fatalf("expected terminal 0/0, got %d/%d", term.resolved, term.total)
	}
}

func TestPipelineFrontInsertsBatchAfterCurrent(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)
	s.Enqueue(mkTracks("x", "y"), false)

	rec := newProgressRecorder()
	p := testPipeline(r, oneTrackPerQuery)
	p.Front = true
	p.Start(context.Background(), []string{"q1", "q2"}, s, rec.fn)

	rec.waitTerminal(t)

	if cur := s.CurrentTrack(); cur.Link != "x" {
		t.Fatalf("front batch must not displace the current track, got %q", cur.Link)
	}
	got := sessionLinks(s)
	if len(got) != 3 || !strings.HasSuffix(got[0], "/q1") || !strings.HasSuffix(got[1], "/q2") || got[2] != "y" {
		t.Fatalf("expected queue [q1 q2 y], got %v", got)
	}
}

// ===========================
// Progress Throttle
// ===========================

func TestThrottleCoalescesWithinInterval(t *testing.T) {
	rec := newProgressRecorder()
	th := NewProgressThrottle(100*time.Millisecond, rec.fn)

	th.Report(1, 10)
	th.Report(2, 10)
	th.Report(3, 10)

	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].resolved != 1 {
		t.Fatalf("expected one immediate report of 1/10, got %v", calls)
	}

	time.Sleep(200 * time.Millisecond)

	calls = rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected one trailing report, got %v", calls)
	}
	if calls[1].resolved != 3 || calls[1].completed {
		t.Fatalf("trailing report must carry the latest counts, got %+v", calls[1])
	}
}

func TestThrottleFinishBypassesWindow(t *testing.T) {
	rec := newProgressRecorder()
	th := NewProgressThrottle(time.Hour, rec.fn)

	th.Report(1, 3)
	th.Report(2, 3)
	th.Finish(3, 3)

	term := rec.waitTerminal(t)
	if term.resolved != 3 || !term.completed {
		t.Fatalf("unexpected terminal report %+v", term)
	}

	// The pending trailing report is discarded and later calls are no-ops.
	th.Report(9, 9)
	th.Finish(9, 9)
	time.Sleep(50 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected immediate + terminal only, got %v", calls)
	}
	terminals := 0
	for _, c := range calls {
		if c.completed {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("terminal must fire exactly once, got %d", terminals)
	}
}

func TestThrottleTerminalReportIsLastDelivered(t *testing.T) {
	// Finish racing a trailing timer fire must never leave a stale
	// intermediate report as the last thing observed.
	for i := 0; i < 50; i++ {
		rec := newProgressRecorder()
		th := NewProgressThrottle(time.Millisecond, rec.fn)

		th.Report(1, 4)
		th.Report(2, 4)
		time.Sleep(time.Millisecond)
		th.Finish(4, 4)

		rec.waitTerminal(t)
		time.Sleep(5 * time.Millisecond)

		calls := rec.snapshot()
		if last := calls[len(calls)-1]; !last.completed {
			t.Fatalf("iteration %d: terminal report overtaken by %+v", i, last)
		}
		terminals := 0
		for _, c := range calls {
			if c.completed {
				terminals++
			}
		}
		if terminals != 1 {
			t.Fatalf("iteration %d: terminal must fire exactly once, got %d", i, terminals)
		}
	}
}

func TestThrottleStopSuppressesEverything(t *testing.T) {
	rec := newProgressRecorder()
	th := NewProgressThrottle(20*time.Millisecond, rec.fn)

	th.Report(1, 5)
	th.Report(2, 5)
	th.Stop()
	th.Report(3, 5)
	th.Finish(5, 5)

	time.Sleep(100 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 1 {
		t.Fatalf("only the pre-Stop immediate report may fire, got %v", calls)
	}
	if calls[0].completed {
		t.Fatal("no terminal report may fire after Stop")
	}
}
