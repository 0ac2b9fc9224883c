package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackMetadataSingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, link string) (*TrackMetadata, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &TrackMetadata{Title: "Song", Channel: "Artist"}, nil
	}

	tr := NewTrack("https://example.test/v", VariantYouTubeVod, fetch)

	var wg sync.WaitGroup
	results := make([]*TrackMetadata, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			meta, err := tr.Metadata(context.Background())
			if err != nil {
				t.Errorf("caller %d: unexpected error: %v", i, err)
			}
			results[i] = meta
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
	for i, meta := range results {
		if meta == nil || meta.Title != "Song" {
			t.Fatalf("caller %d got wrong metadata: %+v", i, meta)
		}
	}
}

func TestTrackMetadataFailureIsTerminal(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context, link string) (*TrackMetadata, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("upstream exploded")
	}

	tr := NewTrack("https://example.test/gone", VariantTwitchVod, fetch)

	for i := 0; i < 3; i++ {
		_, err := tr.Metadata(context.Background())
		if !errors.Is(err, ErrMetadataUnavailable) {
			t.Fatalf("attempt %d: expected ErrMetadataUnavailable, got %v", i, err)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("failed fetch should not be retried, got %d calls", got)
	}
	if !tr.Unavailable() {
		t.Fatal("Unavailable() should report true after a failed fetch")
	}
}

func TestTrackMetadataContextCancellation(t *testing.T) {
	fetch := func(ctx context.Context, link string) (*TrackMetadata, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	tr := NewTrack("https://example.test/slow", VariantYouTubeVod, fetch)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Metadata(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestResolvedTrackSkipsFetch(t *testing.T) {
	tr := NewResolvedTrack("https://example.test/pre", VariantSpotifyDerived, TrackMetadata{Title: "Known", Channel: "Someone"})

	meta, err := tr.Metadata(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Title != "Known" {
		t.Fatalf("expected pre-seeded metadata, got %+v", meta)
	}
	if tr.CachedMetadata() == nil {
		t.Fatal("CachedMetadata should be set without a fetch")
	}
}

func TestTrackDisplayTitle(t *testing.T) {
	pending := NewTrack("https://example.test/p", VariantYouTubeVod, nil)
	if got := pending.DisplayTitle(); got != "https://example.test/p" {
		t.Fatalf("pending track should render its link, got %q", got)
	}

	resolved := NewResolvedTrack("https://example.test/r", VariantYouTubeVod, TrackMetadata{Title: "Song", Channel: "Artist"})
	if got := resolved.DisplayTitle(); got != "Song · Artist" {
		t.Fatalf("unexpected display title %q", got)
	}

	failed := NewTrack("https://example.test/f", VariantYouTubeVod, func(ctx context.Context, link string) (*TrackMetadata, error) {
		return nil, errors.New("nope")
	})
	_, _ = failed.Metadata(context.Background())
	if got := failed.DisplayTitle(); got != "https://example.test/f (details unavailable)" {
		t.Fatalf("failed track should degrade to link, got %q", got)
	}
}
