// Package transcript holds the ordered, deduplicated message log of one chat session.
package transcript

import (
	"iter"
	"sync"

	"github.com/pkg/errors"
)

var ErrMissingID = errors.New("transcript: message id is empty")

// Message is one chat message. ID, Author and Body never change once stored;
// IsRead only moves from false to true.
type Message struct {
	ID     string
	Author string
	Body   string
	IsRead bool
}

type AppendResult struct {
	Inserted bool
}

type ChangeKind string

const (
	ChangeAppended ChangeKind = "appended"
	ChangeRead     ChangeKind = "read"
)

// Change describes one mutation, delivered to the listener after the store lock is released.
type Change struct {
	Kind    ChangeKind
	Index   int
	Message Message
}

type Option func(*Store)

// WithChangeListener registers a callback invoked once per mutated message.
func WithChangeListener(fn func(Change)) Option {
	return func(s *Store) {
		s.onChange = fn
	}
}

// Store is an insertion-ordered message log keyed by message id. Messages are
// never removed. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
	onChange func(Change)
}

func New(opts ...Option) *Store {
	s := &Store{index: map[string]int{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append places m at the end of the transcript unless its id is already
// present, in which case nothing changes and Inserted is false.
func (s *Store) Append(m Message) (AppendResult, error) {
	if s == nil {
		return AppendResult{}, errors.New("transcript: nil store")
	}
	if m.ID == "" {
		return AppendResult{}, ErrMissingID
	}

	s.mu.Lock()
	if _, ok := s.index[m.ID]; ok {
		s.mu.Unlock()
		return AppendResult{Inserted: false}, nil
	}
	idx := len(s.messages)
	s.messages = append(s.messages, m)
	s.index[m.ID] = idx
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeAppended, Index: idx, Message: m})
	return AppendResult{Inserted: true}, nil
}

// MarkRead flags the message with id as read. It returns false when the id is
// unknown. Marking an already read message again is a successful no-op.
func (s *Store) MarkRead(id string) bool {
	if s == nil || id == "" {
		return false
	}

	s.mu.Lock()
	idx, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if s.messages[idx].IsRead {
		s.mu.Unlock()
		return true
	}
	s.messages[idx].IsRead = true
	m := s.messages[idx]
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRead, Index: idx, Message: m})
	return true
}

// MarkAllReadExcept flags every unread message not authored by author and
// returns how many messages changed.
func (s *Store) MarkAllReadExcept(author string) int {
	if s == nil {
		return 0
	}

	var changes []Change
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].Author == author || s.messages[i].IsRead {
			continue
		}
		s.messages[i].IsRead = true
		changes = append(changes, Change{Kind: ChangeRead, Index: i, Message: s.messages[i]})
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.notify(c)
	}
	return len(changes)
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (Message, bool) {
	if s == nil {
		return Message{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[idx], true
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Snapshot returns the transcript as it is at call time. The sequence can be
// ranged over any number of times and does not observe later mutations.
func (s *Store) Snapshot() iter.Seq[Message] {
	var frozen []Message
	if s != nil {
		s.mu.RLock()
		frozen = append([]Message(nil), s.messages...)
		s.mu.RUnlock()
	}
	return func(yield func(Message) bool) {
		for _, m := range frozen {
			if !yield(m) {
				return
			}
		}
	}
}

// Unread returns, in transcript order, the unread messages not authored by author.
func (s *Store) Unread(author string) []Message {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.IsRead || m.Author == author {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}
