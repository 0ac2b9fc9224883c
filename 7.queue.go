package main

import "math/rand"

// ===========================
// Queue
// ===========================

// Queue is the ordered list of upcoming tracks for one session. The
// currently playing track is held by the Session, never by the queue,
// so shuffling and front-inserts cannot move it.
//
// Queue is not safe for concurrent use; the owning Session serializes
// all access under its own lock.
type Queue struct {
	items []*Track
}

// Append adds tracks at the tail, preserving their order.
func (q *Queue) Append(tracks ...*Track) {
	q.items = append(q.items, tracks...)
}

// Prepend inserts tracks at the head, preserving their order. Because
// the current track lives outside the queue, the head is the position
// immediately after whatever is playing.
func (q *Queue) Prepend(tracks ...*Track) {
	q.items = append(append(make([]*Track, 0, len(tracks)+len(q.items)), tracks...), q.items...)
}

// Advance removes and returns the head, or nil when the queue is empty.
func (q *Queue) Advance() *Track {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// ShuffleRemaining uniformly permutes all queued tracks.
func (q *Queue) ShuffleRemaining() {
	rand.Shuffle(len(q.items), func(i, j int) {
		q.items[i], q.items[j] = q.items[j], q.items[i]
	})
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Tracks returns a copy of the queued tracks in order.
func (q *Queue) Tracks() []*Track {
	out := make([]*Track, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Clear() {
	q.items = nil
}
