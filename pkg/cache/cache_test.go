package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *storage.BoltStore) {
	t.Helper()
	err := s.Update(func(tx *storage.Tx) error {
		if err := tx.PutThread(&types.Thread{
			Num: 100, Tags: []string{"moe"}, Replies: []uint64{101, 102},
		}); err != nil {
			return err
		}
		// hidden threads stay out of the index
		return tx.PutThread(&types.Thread{
			Num: 200, Tags: []string{"moe"}, Hidden: true,
		})
	})
	require.NoError(t, err)
}

func TestIndexRebuild(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	x := NewIndex(s, broker)
	require.NoError(t, x.Start())
	defer x.Stop()

	op, ok := x.OP(101)
	require.True(t, ok)
	assert.Equal(t, uint64(100), op)
	op, ok = x.OP(100)
	require.True(t, ok)
	assert.Equal(t, uint64(100), op)

	tags, ok := x.Tags(100)
	require.True(t, ok)
	assert.Equal(t, []string{"moe"}, tags)

	assert.True(t, x.ThreadAlive(100))
	assert.False(t, x.ThreadAlive(200))
	_, ok = x.OP(200)
	assert.False(t, ok)
	assert.Equal(t, []uint64{100}, x.Threads())
}

func TestIndexApply(t *testing.T) {
	x := NewIndex(nil, nil)

	x.apply(&types.CacheUpdate{Kind: types.KindInsertPost, Op: 100, Tag: "moe"})
	assert.True(t, x.ThreadAlive(100))

	x.apply(&types.CacheUpdate{Kind: types.KindInsertPost, Op: 100, Num: 101})
	op, ok := x.OP(101)
	require.True(t, ok)
	assert.Equal(t, uint64(100), op)

	x.apply(&types.CacheUpdate{Kind: types.KindMoveThread, Op: 100, Tag: "tech"})
	tags, _ := x.Tags(100)
	assert.Equal(t, []string{"tech"}, tags)

	x.apply(&types.CacheUpdate{Kind: types.KindDeletePosts, Op: 100, Nums: []uint64{101}})
	_, ok = x.OP(101)
	assert.False(t, ok)

	x.apply(&types.CacheUpdate{Kind: types.KindDeleteThread, Op: 100, Nums: []uint64{100}})
	assert.False(t, x.ThreadAlive(100))
	_, ok = x.Tags(100)
	assert.False(t, ok)
}

func TestIndexRecoversFromFeedLoss(t *testing.T) {
	s := newTestStore(t)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	x := NewIndex(s, broker)
	require.NoError(t, x.Start())
	defer x.Stop()

	// write a thread the index never hears about, then cut its feed
	// the way the broker cuts a subscriber that fell behind
	err := s.Update(func(tx *storage.Tx) error {
		return tx.PutThread(&types.Thread{Num: 400, Tags: []string{"moe"}})
	})
	require.NoError(t, err)

	x.mu.RLock()
	sub := x.sub
	x.mu.RUnlock()
	broker.Unsubscribe(sub)

	// recovery reloads the store
	require.Eventually(t, func() bool {
		return x.ThreadAlive(400)
	}, time.Second, 5*time.Millisecond)

	// and the fresh subscription keeps following live updates
	payload, err := json.Marshal(types.CacheUpdate{
		Kind: types.KindInsertPost, Op: 500, Tag: "moe",
	})
	require.NoError(t, err)
	broker.Publish(events.CacheTopic, &events.Update{Event: types.Event{
		Thread:  500,
		Kind:    types.KindInsertPost,
		Payload: payload,
	}})
	assert.Eventually(t, func() bool {
		return x.ThreadAlive(500)
	}, time.Second, 5*time.Millisecond)
}

func TestIndexFollowsBroker(t *testing.T) {
	s := newTestStore(t)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	x := NewIndex(s, broker)
	require.NoError(t, x.Start())
	defer x.Stop()

	payload, err := json.Marshal(types.CacheUpdate{
		Kind: types.KindInsertPost, Op: 300, Tag: "moe",
	})
	require.NoError(t, err)
	broker.Publish(events.CacheTopic, &events.Update{Event: types.Event{
		Thread:  300,
		Kind:    types.KindInsertPost,
		Payload: payload,
	}})

	assert.Eventually(t, func() bool {
		return x.ThreadAlive(300)
	}, time.Second, 5*time.Millisecond)
}
