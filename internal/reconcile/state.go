// Package reconcile merges fetched history and pushed messages into one
// ordered, de-duplicated view of the open room.
//
// A State is immutable. Every operation returns the state to use next; when
// nothing changed the receiver itself is returned, so callers can compare
// pointers or Version to decide whether to re-render.
package reconcile

import (
	"cmp"
	"slices"
	"time"

	"dmchat/backend/internal/models"
)

const (
	// A pushed message matches a pending optimistic entry only if its server
	// timestamp falls inside [provisional-MatchBefore, provisional+MatchAfter].
	MatchBefore = 2 * time.Second
	MatchAfter  = 30 * time.Second
)

// Entry is one line of the room view. Pending entries are optimistic local
// sends without a stored id yet.
type Entry struct {
	models.Message
	LocalKey string
	Pending  bool

	// order is the insertion sequence of a pending entry within its state.
	order uint64
}

type State struct {
	roomID  string
	selfID  string
	entries []Entry
	ids     map[string]struct{}
	seq     uint64
	version uint64
}

// Open builds the baseline for roomID from a fetched page. Messages of other
// rooms and repeated ids are skipped.
func Open(roomID, selfID string, page []models.Message) *State {
	s := &State{
		roomID: roomID,
		selfID: selfID,
		ids:    make(map[string]struct{}, len(page)),
	}
	for _, msg := range page {
		if msg.RoomID != roomID || msg.ID == "" {
			continue
		}
		if _, dup := s.ids[msg.ID]; dup {
			continue
		}
		s.ids[msg.ID] = struct{}{}
		s.insert(Entry{Message: msg})
	}
	return s
}

func (s *State) RoomID() string  { return s.roomID }
func (s *State) Version() uint64 { return s.version }
func (s *State) Len() int        { return len(s.entries) }

// Entries returns a copy of the view in display order.
func (s *State) Entries() []Entry {
	return slices.Clone(s.entries)
}

// Messages returns only confirmed messages.
func (s *State) Messages() []models.Message {
	out := make([]models.Message, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Pending {
			out = append(out, e.Message)
		}
	}
	return out
}

// Pending reports how many optimistic entries await confirmation.
func (s *State) Pending() int {
	n := 0
	for _, e := range s.entries {
		if e.Pending {
			n++
		}
	}
	return n
}

func (s *State) clone() *State {
	next := &State{
		roomID:  s.roomID,
		selfID:  s.selfID,
		entries: slices.Clone(s.entries),
		ids:     make(map[string]struct{}, len(s.ids)+1),
		seq:     s.seq,
		version: s.version + 1,
	}
	for id := range s.ids {
		next.ids[id] = struct{}{}
	}
	return next
}

// AddOptimistic appends the caller's own unsent message under key, which
// Confirm or Fail use later. Keys must be unique for the life of the caller's
// session; a key that is empty or already pending leaves s unchanged.
func (s *State) AddOptimistic(key, content string, at time.Time) *State {
	if key == "" || s.indexOfKey(key) >= 0 {
		return s
	}
	next := s.clone()
	next.seq++
	next.insert(Entry{
		Message: models.Message{
			RoomID:      s.roomID,
			SenderID:    s.selfID,
			Content:     content,
			MessageType: models.MessageTypeText,
			CreatedAt:   at.UTC(),
		},
		LocalKey: key,
		Pending:  true,
		order:    next.seq,
	})
	return next
}

// Confirm swaps the optimistic entry for the stored message. If the push
// already replaced it, only the id check applies.
func (s *State) Confirm(key string, stored models.Message) *State {
	i := s.indexOfKey(key)
	if i < 0 {
		return s.Merge(stored)
	}

	next := s.clone()
	next.entries = slices.Delete(next.entries, i, i+1)
	if _, dup := next.ids[stored.ID]; !dup && stored.RoomID == s.roomID && stored.ID != "" {
		next.ids[stored.ID] = struct{}{}
		next.insert(Entry{Message: stored})
	}
	return next
}

// Fail drops an optimistic entry whose send was rejected.
func (s *State) Fail(key string) *State {
	i := s.indexOfKey(key)
	if i < 0 {
		return s
	}
	next := s.clone()
	next.entries = slices.Delete(next.entries, i, i+1)
	return next
}

// Merge folds in a message from a push or a later fetch. Stored ids dedup
// exactly; content matching is only tried against the caller's own pending
// entries, never across senders.
func (s *State) Merge(msg models.Message) *State {
	if msg.RoomID != s.roomID || msg.ID == "" {
		return s
	}
	if _, dup := s.ids[msg.ID]; dup {
		return s
	}

	next := s.clone()
	if i := next.matchOptimistic(msg); i >= 0 {
		next.entries = slices.Delete(next.entries, i, i+1)
	}
	next.ids[msg.ID] = struct{}{}
	next.insert(Entry{Message: msg})
	return next
}

// MergeAll merges a batch, e.g. a page fetched after reconnect. Pending
// entries survive unless a fetched message confirms them.
func (s *State) MergeAll(msgs []models.Message) *State {
	next := s
	for _, msg := range msgs {
		next = next.Merge(msg)
	}
	return next
}

func (s *State) indexOfKey(key string) int {
	return slices.IndexFunc(s.entries, func(e Entry) bool {
		return e.Pending && e.LocalKey == key
	})
}

// matchOptimistic picks the earliest pending entry with the same sender and
// content whose provisional time brackets the stored timestamp.
func (s *State) matchOptimistic(msg models.Message) int {
	if msg.SenderID != s.selfID {
		return -1
	}
	best := -1
	for i, e := range s.entries {
		if !e.Pending || e.SenderID != msg.SenderID || e.Content != msg.Content {
			continue
		}
		from := e.CreatedAt.Add(-MatchBefore)
		to := e.CreatedAt.Add(MatchAfter)
		if msg.CreatedAt.Before(from) || msg.CreatedAt.After(to) {
			continue
		}
		if best < 0 || e.CreatedAt.Before(s.entries[best].CreatedAt) {
			best = i
		}
	}
	return best
}

// insert keeps entries ordered by (CreatedAt, ID) with pending entries in
// the order they were added.
func (s *State) insert(e Entry) {
	i, _ := slices.BinarySearchFunc(s.entries, e, compareEntries)
	s.entries = slices.Insert(s.entries, i, e)
}

func compareEntries(a, b Entry) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	// optimistic entries sort after stored ones with the same timestamp
	if a.Pending != b.Pending {
		if a.Pending {
			return 1
		}
		return -1
	}
	if a.ID != b.ID {
		if a.ID < b.ID {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.order, b.order)
}
