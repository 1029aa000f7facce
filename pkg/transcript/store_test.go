package transcript

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func ids(s *Store) []string {
	var out []string
	for m := range s.Snapshot() {
		out = append(out, m.ID)
	}
	return out
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	s := New()
	m := Message{ID: "m1", Author: "bob", Body: "hi"}

	res, err := s.Append(m)
	require.NoError(t, err)
	require.True(t, res.Inserted)

	res, err = s.Append(Message{ID: "m1", Author: "mallory", Body: "changed"})
	require.NoError(t, err)
	require.False(t, res.Inserted)

	require.Equal(t, 1, s.Len())
	got, ok := s.Get("m1")
	require.True(t, ok)
	require.Equal(t, m, got)
}

func TestStore_AppendRejectsMissingID(t *testing.T) {
	s := New()
	_, err := s.Append(Message{Author: "bob"})
	require.ErrorIs(t, err, ErrMissingID)
	require.Equal(t, 0, s.Len())
}

func TestStore_SnapshotKeepsArrivalOrder(t *testing.T) {
	s := New()
	for _, id := range []string{"z", "a", "m", "a", "b"} {
		_, err := s.Append(Message{ID: id, Author: "x", Body: id})
		require.NoError(t, err)
	}
	require.Equal(t, []string{"z", "a", "m", "b"}, ids(s))
}

func TestStore_SnapshotIsFrozenAndRestartable(t *testing.T) {
	s := New()
	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	snap := s.Snapshot()

	_, _ = s.Append(Message{ID: "m2", Author: "bob"})
	s.MarkRead("m1")

	first := slices.Collect(snap)
	second := slices.Collect(snap)
	require.Equal(t, first, second)
	require.Len(t, first, 1)
	require.False(t, first[0].IsRead)

	for range snap {
		break
	}
}

func TestStore_MarkRead(t *testing.T) {
	s := New()
	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	_, _ = s.Append(Message{ID: "m2", Author: "bob"})

	require.True(t, s.MarkRead("m1"))
	require.True(t, s.MarkRead("m1"))
	require.False(t, s.MarkRead("nope"))
	require.False(t, s.MarkRead(""))

	m1, _ := s.Get("m1")
	m2, _ := s.Get("m2")
	require.True(t, m1.IsRead)
	require.False(t, m2.IsRead)
	require.Equal(t, 2, s.Len())
}

func TestStore_ReadStateIsMonotonic(t *testing.T) {
	s := New()
	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	require.True(t, s.MarkRead("m1"))

	_, _ = s.Append(Message{ID: "m1", Author: "bob", IsRead: false})
	s.MarkAllReadExcept("bob")

	m1, _ := s.Get("m1")
	require.True(t, m1.IsRead)
}

func TestStore_MarkAllReadExcept(t *testing.T) {
	s := New()
	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	_, _ = s.Append(Message{ID: "m2", Author: "alice"})
	_, _ = s.Append(Message{ID: "m3", Author: "carol"})
	s.MarkRead("m3")

	require.Equal(t, 1, s.MarkAllReadExcept("alice"))

	m1, _ := s.Get("m1")
	m2, _ := s.Get("m2")
	require.True(t, m1.IsRead)
	require.False(t, m2.IsRead)
}

func TestStore_Unread(t *testing.T) {
	s := New()
	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	_, _ = s.Append(Message{ID: "m2", Author: "alice"})
	_, _ = s.Append(Message{ID: "m3", Author: "carol"})
	_, _ = s.Append(Message{ID: "m4", Author: "bob"})
	s.MarkRead("m3")

	var got []string
	for _, m := range s.Unread("alice") {
		got = append(got, m.ID)
	}
	require.Equal(t, []string{"m1", "m4"}, got)
}

func TestStore_ChangeListener(t *testing.T) {
	var changes []Change
	s := New(WithChangeListener(func(c Change) { changes = append(changes, c) }))

	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	_, _ = s.Append(Message{ID: "m1", Author: "bob"})
	s.MarkRead("m1")
	s.MarkRead("m1")
	s.MarkRead("unknown")

	require.Len(t, changes, 2)
	require.Equal(t, ChangeAppended, changes[0].Kind)
	require.Equal(t, 0, changes[0].Index)
	require.Equal(t, ChangeRead, changes[1].Kind)
	require.True(t, changes[1].Message.IsRead)
}

func TestStore_ConcurrentAppendsNeverDuplicate(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = s.Append(Message{ID: fmt.Sprintf("m%d", i), Author: "bob"})
				s.MarkRead(fmt.Sprintf("m%d", i/2))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, s.Len())
}
