package store

import (
	"sort"

	"github.com/capitalize-ai/persona-chat/internal/model"
)

// ChangeKind classifies a list mutation.
type ChangeKind int

const (
	// ListReplaced means the whole list changed (load, refresh, clear).
	ListReplaced ChangeKind = iota
	// MessagesPrepended means Count older messages were inserted at the top.
	MessagesPrepended
	// MessageAdded means one message was appended.
	MessageAdded
	// MessageUpdated means one message changed; PreviousID is set when its id
	// was reconciled from a local placeholder.
	MessageUpdated
	// MessageRemoved means one message left the list.
	MessageRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ListReplaced:
		return "list_replaced"
	case MessagesPrepended:
		return "messages_prepended"
	case MessageAdded:
		return "message_added"
	case MessageUpdated:
		return "message_updated"
	case MessageRemoved:
		return "message_removed"
	default:
		return "unknown"
	}
}

// Change describes one mutation so a view can re-render only what moved.
type Change struct {
	Kind       ChangeKind
	ID         string
	PreviousID string
	Count      int
}

// OnChange registers fn to be called after every mutation, outside the
// store's lock. The returned function unregisters it.
func (s *Store) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observerID++
	id := s.observerID
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) emitLocked(c Change) {
	if len(s.observers) > 0 {
		s.changes = append(s.changes, c)
	}
}

// unlockAndNotify releases the lock and then delivers queued changes.
func (s *Store) unlockAndNotify() {
	changes := s.changes
	s.changes = nil
	var fns []func(Change)
	if len(changes) > 0 {
		fns = make([]func(Change), 0, len(s.observers))
		for _, fn := range s.observers {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) appendLocked(m model.Message) {
	s.messages = normalize(append(s.messages, m))
	s.emitLocked(Change{Kind: MessageAdded, ID: m.ID})
}

func (s *Store) removeLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	s.emitLocked(Change{Kind: MessageRemoved, ID: id})
	return true
}

// replaceLocked swaps the message with id oldID for m and restores ordering.
func (s *Store) replaceLocked(oldID string, m model.Message) {
	i := s.indexLocked(oldID)
	if i < 0 {
		s.messages = normalize(append(s.messages, m))
		s.emitLocked(Change{Kind: MessageAdded, ID: m.ID})
		return
	}
	s.messages[i] = m
	s.messages = normalize(s.messages)
	c := Change{Kind: MessageUpdated, ID: m.ID}
	if oldID != m.ID {
		c.PreviousID = oldID
	}
	s.emitLocked(c)
}

// localMessagesLocked returns the local entries still owned by the send or
// stream in flight. Settled local entries are left to the server's copy.
func (s *Store) localMessagesLocked() []model.Message {
	owned := make(map[string]bool, 3)
	if s.send != nil {
		owned[s.send.bubbleID] = true
		if s.send.placeholderID != "" {
			owned[s.send.placeholderID] = true
		}
	}
	if s.stream != nil {
		owned[s.stream.placeholderID] = true
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.Local && owned[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// withoutLiveReplyLocked drops the server's copy of the reply still being
// streamed; the live placeholder stands in for it until the stream settles.
func (s *Store) withoutLiveReplyLocked(items []model.Message) []model.Message {
	if s.stream == nil || s.stream.serverID == "" {
		return items
	}
	out := make([]model.Message, 0, len(items))
	for _, m := range items {
		if m.ID != s.stream.serverID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) oldestServerIDLocked() string {
	for _, m := range s.messages {
		if !m.Local {
			return m.ID
		}
	}
	return ""
}

func concat(a, b []model.Message) []model.Message {
	out := make([]model.Message, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

// normalize drops duplicate ids, keeping the last occurrence's data at the
// first occurrence's position, and stable-sorts by timestamp.
func normalize(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	seen := make(map[string]int, len(msgs))
	for _, m := range msgs {
		if i, ok := seen[m.ID]; ok {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ScrollAnchor records the viewport before older messages are prepended so
// the caller can keep the same messages on screen afterwards.
type ScrollAnchor struct {
	// Extent is the total scrollable height before the prepend.
	Extent float64
	// Offset is the scroll position before the prepend.
	Offset float64
}

// Restore returns the offset that shows the same content once the list has
// grown to newExtent.
func (a ScrollAnchor) Restore(newExtent float64) float64 {
	off := a.Offset + (newExtent - a.Extent)
	if off < 0 {
		return 0
	}
	return off
}
