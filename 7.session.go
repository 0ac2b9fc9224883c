package main

import (
	"context"
	"errors"
	"sync"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Session
// ===========================

// SessionState is the playback state of one guild's session.
type SessionState int

const (
	StateIdle SessionState = iota
	StatePlaying
	StatePaused
)

func (s SessionState) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "idle"
}

// Session is the per-guild playback state machine. It owns the queue
// and the current-track pointer and is the single serialization point
// for every mutation: enqueue, advance, shuffle and pause all take the
// session lock, so callers never interleave in a way that corrupts
// queue order. Nothing slow runs under the lock.
type Session struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID

	mu       sync.Mutex
	queue    Queue
	current  *Track
	shuffled bool
	paused   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSession(guildID, channelID snowflake.ID) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		GuildID:   guildID,
		ChannelID: channelID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends tracks to the queue, at the tail or immediately
// after the current track when pushToFront is set. When the session is
// idle the first track is promoted to current. The return value tells
// callers whether playback was already active, which decides the
// "Now playing" vs "Queued" phrasing.
func (s *Session) Enqueue(tracks []*Track, pushToFront bool) (wasAlreadyPlaying bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasAlreadyPlaying = s.current != nil
	if len(tracks) == 0 {
		return wasAlreadyPlaying
	}

	if pushToFront {
		s.queue.Prepend(tracks...)
	} else {
		s.queue.Append(tracks...)
	}
	if s.current == nil {
		s.current = s.queue.Advance()
		s.paused = false
	}
	return wasAlreadyPlaying
}

// Advance drops the current track and promotes the next queued one.
// Returns the new current track; nil means the queue ran out and the
// session is idle again, which is a normal transition, not an error.
func (s *Session) Advance() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = s.queue.Advance()
	if s.current == nil {
		s.paused = false
	}
	return s.current
}

// Pause suspends playback. Idempotent; a no-op while idle.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.paused = true
	}
}

// Resume clears the paused flag. Idempotent; a no-op while idle.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.paused = false
	}
}

// Shuffle randomizes the order of everything except the current track.
func (s *Session) Shuffle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuffled = true
	s.queue.ShuffleRemaining()
}

// CurrentTrack never blocks.
func (s *Session) CurrentTrack() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.current == nil:
		return StateIdle
	case s.paused:
		return StatePaused
	}
	return StatePlaying
}

func (s *Session) Shuffled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuffled
}

// QueueSnapshot returns a copy of the upcoming tracks, excluding the
// current one.
func (s *Session) QueueSnapshot() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Tracks()
}

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close cancels the session context so in-flight resolution batches
// stop feeding the queue. Called on teardown, after the session has
// been removed from the registry.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	s.queue.Clear()
	s.current = nil
	s.paused = false
	s.mu.Unlock()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Context is canceled when the session closes. Resolution work feeding
// this session runs under it so teardown aborts in-flight lookups.
func (s *Session) Context() context.Context {
	return s.ctx
}

// ===========================
// Session Registry
// ===========================

// ErrDuplicateSession is returned by Create when the guild already has
// a session. Recoverable: the caller should use Get instead.
var ErrDuplicateSession = errors.New("session already exists for guild")

// SessionRegistry is the process-wide guild → session map. Lookups and
// creates for different guilds never block each other beyond the map
// access itself; the per-guild uniqueness invariant is enforced by
// compare-and-create under the write lock.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[snowflake.ID]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[snowflake.ID]*Session)}
}

// Get returns the guild's session, or nil.
func (r *SessionRegistry) Get(guildID snowflake.ID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[guildID]
}

// Create registers a new session for the guild bound to the given
// voice channel. At most one session per guild ever exists; if one is
// already registered it is returned together with ErrDuplicateSession.
func (r *SessionRegistry) Create(guildID, channelID snowflake.ID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[guildID]; ok {
		return existing, ErrDuplicateSession
	}
	s := NewSession(guildID, channelID)
	r.sessions[guildID] = s
	return s, nil
}

// Remove unregisters and closes the guild's session. Removal is only
// ever triggered externally, on playback/connection teardown; the
// engine itself never deletes a session that still holds tracks.
func (r *SessionRegistry) Remove(guildID snowflake.ID) {
	r.mu.Lock()
	s := r.sessions[guildID]
	delete(r.sessions, guildID)
	r.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Holds reports whether s is still the registered session for the
// guild. Resolution pipelines check this before every enqueue so a
// torn-down session stops receiving tracks.
func (r *SessionRegistry) Holds(guildID snowflake.ID, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[guildID] == s
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GuildIDs returns the guilds that currently hold a session.
func (r *SessionRegistry) GuildIDs() []snowflake.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]snowflake.ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
