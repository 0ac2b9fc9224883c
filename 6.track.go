package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ===========================
// Track
// ===========================

// ErrMetadataUnavailable marks a track whose upstream lookup failed.
// The track stays in the queue; only its details are degraded.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// TrackVariant selects how a track's metadata is fetched.
type TrackVariant int

const (
	VariantYouTubeVod TrackVariant = iota
	VariantYouTubeLivestream
	VariantTwitchVod
	VariantSpotifyDerived
)

func (v TrackVariant) String() string {
	switch v {
	case VariantYouTubeVod:
		return "youtube"
	case VariantYouTubeLivestream:
		return "youtube-live"
	case VariantTwitchVod:
		return "twitch"
	case VariantSpotifyDerived:
		return "spotify"
	}
	return "unknown"
}

// TrackMetadata holds the fetched details of one playable unit.
type TrackMetadata struct {
	Title     string
	Channel   string
	Duration  time.Duration
	Thumbnail string
	Live      bool
}

// MetadataFetcher resolves metadata for one track link. Implementations
// live in 6.sources.go, chosen per variant at classification time.
type MetadataFetcher func(ctx context.Context, link string) (*TrackMetadata, error)

const metadataFetchTimeout = 30 * time.Second

// Track is one playable unit: a source link plus lazily fetched,
// memoized metadata. The lookup runs at most once per track; a failed
// lookup is cached as a terminal error for the track's lifetime.
type Track struct {
	Link    string
	Variant TrackVariant

	fetch MetadataFetcher

	mu      sync.Mutex
	started bool
	done    chan struct{}
	meta    *TrackMetadata
	err     error
}

func NewTrack(link string, variant TrackVariant, fetch MetadataFetcher) *Track {
	return &Track{
		Link:    link,
		Variant: variant,
		fetch:   fetch,
		done:    make(chan struct{}),
	}
}

// NewResolvedTrack creates a track whose metadata is already known.
// Search results arrive with title and channel attached, so resolving
// them again would be a wasted upstream call.
func NewResolvedTrack(link string, variant TrackVariant, meta TrackMetadata) *Track {
	t := &Track{
		Link:    link,
		Variant: variant,
		done:    make(chan struct{}),
		meta:    &meta,
		started: true,
	}
	close(t.done)
	return t
}

// Metadata returns the track's metadata, fetching it on first use.
// Concurrent callers before the first completion share the single
// in-flight lookup instead of each hitting the upstream.
func (t *Track) Metadata(ctx context.Context) (*TrackMetadata, error) {
	t.mu.Lock()
	if !t.started {
		t.started = true
		go t.runFetch()
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.meta, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Track) runFetch() {
	ctx, cancel := context.WithTimeout(context.Background(), metadataFetchTimeout)
	defer cancel()

	var meta *TrackMetadata
	err := errors.New("no fetcher for track")
	if t.fetch != nil {
		meta, err = t.fetch(ctx, t.Link)
	}

	t.mu.Lock()
	if err != nil {
		t.err = fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
		LogResolver("Metadata lookup failed for %s (%s): %v", t.Link, t.Variant, err)
	} else {
		t.meta = meta
	}
	t.mu.Unlock()
	close(t.done)
}

// CachedMetadata returns whatever is already resolved without
// triggering a fetch. Nil while the lookup is pending or failed.
func (t *Track) CachedMetadata() *TrackMetadata {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// Unavailable reports whether the track's lookup has terminally failed.
func (t *Track) Unavailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err != nil
}

// DisplayTitle renders the track for user-facing messages, degrading
// to the raw link while metadata is pending or unavailable.
func (t *Track) DisplayTitle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.meta != nil && t.meta.Title != "" {
		if t.meta.Channel != "" {
			return t.meta.Title + " · " + t.meta.Channel
		}
		return t.meta.Title
	}
	if t.err != nil {
		return t.Link + " (details unavailable)"
	}
	return t.Link
}
