package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/liveboard-dev/liveboard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	thread := &types.Thread{
		Num:       100,
		Tags:      []string{"moe"},
		Subject:   "hello",
		Replies:   []uint64{101, 102},
		CreatedAt: time.Now().UTC(),
	}
	err := s.Update(func(tx *Tx) error {
		return tx.PutThread(thread)
	})
	require.NoError(t, err)

	got, err := s.GetThread(100)
	require.NoError(t, err)
	assert.Equal(t, thread.Subject, got.Subject)
	assert.Equal(t, []uint64{101, 102}, got.Replies)

	_, err = s.GetThread(999)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPostNumAllocationIsMonotonic(t *testing.T) {
	s := newTestStore(t)

	var prev uint64
	for i := 0; i < 5; i++ {
		err := s.Update(func(tx *Tx) error {
			num, err := tx.NextPostNum()
			if err != nil {
				return err
			}
			assert.Greater(t, num, prev)
			prev = num
			return nil
		})
		require.NoError(t, err)
	}
}

func TestOpenBodyAppend(t *testing.T) {
	s := newTestStore(t)

	err := s.Update(func(tx *Tx) error {
		if err := tx.SetBody(101, "hel"); err != nil {
			return err
		}
		return tx.AppendBody(101, "lo")
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		body, ok := tx.Body(101)
		require.True(t, ok)
		assert.Equal(t, "hello", body)

		open, err := tx.OpenPosts()
		require.NoError(t, err)
		assert.Equal(t, []uint64{101}, open)
		return nil
	})
	require.NoError(t, err)

	// appending to a post with no open body is a not-found error
	err = s.Update(func(tx *Tx) error {
		return tx.AppendBody(999, "x")
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestHistoryOrdinalsAndReplay(t *testing.T) {
	s := newTestStore(t)

	payload := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		return data
	}

	var ords []uint64
	err := s.Update(func(tx *Tx) error {
		for i := 0; i < 4; i++ {
			ord, err := tx.AppendHistory(&types.Event{
				Thread:  100,
				Kind:    types.KindAppendPost,
				Payload: payload(types.AppendPostPayload{Num: 101, Tail: "a"}),
			})
			if err != nil {
				return err
			}
			ords = append(ords, ord)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4}, ords)

	err = s.View(func(tx *Tx) error {
		assert.Equal(t, uint64(4), tx.HistoryCtr(100))

		// replay from watermark 2 must return exactly 3 and 4, in order
		events, err := tx.HistoryAfter(100, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(3), events[0].Ordinal)
		assert.Equal(t, uint64(4), events[1].Ordinal)

		// watermark at the tip replays nothing
		events, err = tx.HistoryAfter(100, 4)
		require.NoError(t, err)
		assert.Empty(t, events)

		// watermark beyond the tip means the client is ahead of a log
		// we no longer have; report, never truncate silently
		_, err = tx.HistoryAfter(100, 9)
		assert.ErrorIs(t, err, types.ErrHistoryGone)

		// unknown thread with a nonzero watermark is also gone
		_, err = tx.HistoryAfter(200, 1)
		assert.ErrorIs(t, err, types.ErrHistoryGone)
		return nil
	})
	require.NoError(t, err)
}

func TestBoardIndexOrdering(t *testing.T) {
	s := newTestStore(t)

	var pos100, pos200 uint64
	err := s.Update(func(tx *Tx) error {
		var err error
		if pos100, err = tx.BoardAdd("moe", 100); err != nil {
			return err
		}
		if pos200, err = tx.BoardAdd("moe", 200); err != nil {
			return err
		}
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, pos200, pos100)

	// 200 was bumped last, so it lists first
	err = s.View(func(tx *Tx) error {
		nums, err := tx.BoardThreads("moe", 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{200, 100}, nums)
		return nil
	})
	require.NoError(t, err)

	// re-bump 100: remove old position, add again
	err = s.Update(func(tx *Tx) error {
		if err := tx.BoardRemove("moe", pos100); err != nil {
			return err
		}
		_, err := tx.BoardAdd("moe", 100)
		return err
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		nums, err := tx.BoardThreads("moe", 1)
		require.NoError(t, err)
		assert.Equal(t, []uint64{100}, nums)
		return nil
	})
	require.NoError(t, err)
}

func TestIPBook(t *testing.T) {
	s := newTestStore(t)

	err := s.Update(func(tx *Tx) error {
		if err := tx.SetIP(100, 101, "10.0.0.1"); err != nil {
			return err
		}
		return tx.SetIP(100, 102, "10.0.0.2")
	})
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		ips, err := tx.IPs(100)
		require.NoError(t, err)
		assert.Equal(t, map[uint64]string{101: "10.0.0.1", 102: "10.0.0.2"}, ips)
		return nil
	})
	require.NoError(t, err)

	err = s.Update(func(tx *Tx) error { return tx.DeleteIPs(100) })
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		ips, err := tx.IPs(100)
		require.NoError(t, err)
		assert.Empty(t, ips)
		return nil
	})
	require.NoError(t, err)
}
