package main

import (
	"errors"
	"testing"

	"github.com/disgoorg/snowflake/v2"
)

const (
	testGuildID   = snowflake.ID(100)
	testChannelID = snowflake.ID(200)
)

func sessionLinks(s *Session) []string {
	var out []string
	for _, t := range s.QueueSnapshot() {
		out = append(out, t.Link)
	}
	return out
}

func TestSessionFirstEnqueueStartsPlayback(t *testing.T) {
	s := NewSession(testGuildID, testChannelID)

	was := s.Enqueue(mkTracks("a", "b", "c"), false)
	if was {
		t.Fatal("first enqueue on an idle session must report wasAlreadyPlaying=false")
	}
	if s.State() != StatePlaying {
		t.Fatalf("expected playing, got %v", s.State())
	}
	if cur := s.CurrentTrack(); cur == nil || cur.Link != "a" {
		t.Fatalf("expected current track a, got %+v", cur)
	}
	if got := sessionLinks(s); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("expected queue [b c], got %v", got)
	}
}

func TestSessionFrontInsertGoesAfterCurrent(t *testing.T) {
	s := NewSession(testGuildID, testChannelID)
	s.Enqueue(mkTracks("a", "b", "c"), false)

	was := s.Enqueue(mkTracks("d"), true)
	if !was {
		t.Fatal("second enqueue must report wasAlreadyPlaying=true")
	}
	if cur := s.CurrentTrack(); cur.Link != "a" {
		t.Fatalf("front insert must not displace the current track, got %q", cur.Link)
	}
	if got := sessionLinks(s); got[0] != "d" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected queue [d b c], got %v", got)
	}
}

func TestSessionAdvanceToEmptyGoesIdle(t *testing.T) {
	s := NewSession(testGuildID, testChannelID)
	s.Enqueue(mkTracks("a", "b"), false)

	if cur := s.Advance(); cur == nil || cur.Link != "b" {
		t.Fatalf("expected advance to b, got %+v", cur)
	}
	if cur := s.Advance(); cur != nil {
		t.Fatalf("expected nil on empty queue, got %+v", cur)
	}
	if s.State() != StateIdle {
		t.Fatalf("drained session should be idle, got %v", s.State())
	}

	// Playback restarts cleanly from idle.
	if was := s.Enqueue(mkTracks("c"), false); was {
		t.Fatal("enqueue after draining must report wasAlreadyPlaying=false")
	}
	if cur := s.CurrentTrack(); cur == nil || cur.Link != "c" {
		t.Fatalf("expected current c, got %+v", cur)
	}
}

func TestSessionPauseResumeIdempotent(t *testing.T) {
	s := NewSession(testGuildID, testChannelID)

	// No-ops while idle.
	s.Pause()
	s.Resume()
	if s.State() != StateIdle {
		t.Fatalf("pause/resume on idle session must stay idle, got %v", s.State())
	}

	s.Enqueue(mkTracks("a"), false)
	s.Pause()
	s.Pause()
	if s.State() != StatePaused {
		t.Fatalf("expected paused, got %v", s.State())
	}
	s.Resume()
	s.Resume()
	if s.State() != StatePlaying {
		t.Fatalf("expected playing, got %v", s.State())
	}
}

func TestSessionShuffleNeverMovesCurrent(t *testing.T) {
	s := NewSession(testGuildID, testChannelID)
	s.Enqueue(mkTracks("cur", "a", "b", "c", "d", "e"), false)

	for i := 0; i < 20; i++ {
		s.Shuffle()
		if cur := s.CurrentTrack(); cur.Link != "cur" {
			t.Fatalf("shuffle %d moved the current track to %q", i, cur.Link)
		}
		if n := s.QueueLen(); n != 5 {
			t.Fatalf("shuffle %d changed queue length to %d", i, n)
		}
	}
	if !s.Shuffled() {
		t.Fatal("session should report shuffled")
	}
}

func TestRegistryCompareAndCreate(t *testing.T) {
	r := NewSessionRegistry()

	s1, err := r.Create(testGuildID, testChannelID)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	s2, err := r.Create(testGuildID, snowflake.ID(999))
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}
	if s2 != s1 {
		t.Fatal("duplicate create must return the existing session")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
}

func TestRegistryRemoveAndHolds(t *testing.T) {
	r := NewSessionRegistry()
	s, _ := r.Create(testGuildID, testChannelID)
	s.Enqueue(mkTracks("a", "b"), false)

	if !r.Holds(testGuildID, s) {
		t.Fatal("registry should hold the created session")
	}

	r.Remove(testGuildID)

	if r.Get(testGuildID) != nil {
		t.Fatal("removed session still resolvable")
	}
	if r.Holds(testGuildID, s) {
		t.Fatal("Holds must be false after removal")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("removed session must be closed")
	}
	if s.State() != StateIdle || s.QueueLen() != 0 {
		t.Fatal("closed session should have dropped its queue")
	}

	// A fresh session for the guild is a different identity.
	s2, err := r.Create(testGuildID, testChannelID)
	if err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	if r.Holds(testGuildID, s) || !r.Holds(testGuildID, s2) {
		t.Fatal("Holds must track session identity, not guild ID")
	}
}
