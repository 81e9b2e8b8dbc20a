package oplog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveboard-dev/liveboard/pkg/config"
	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

func newTestLog(t *testing.T) (*Log, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(store, broker, config.Default()), store
}

var anon = types.Ident{IP: "10.0.0.1"}

func TestInsertPostOpensThread(t *testing.T) {
	l, store := newTestLog(t)

	post, err := l.InsertPost(anon, "moe", &types.AllocatePayload{
		Subject: "first", Body: "hello",
	})
	require.NoError(t, err)
	assert.True(t, post.IsRoot())
	assert.True(t, post.Editing)

	thread, err := store.GetThread(post.Num)
	require.NoError(t, err)
	assert.Equal(t, []string{"moe"}, thread.Tags)
	assert.Equal(t, "first", thread.Subject)
	assert.False(t, thread.Immortal)

	// the insert is event 1 of the thread's history
	err = store.View(func(tx *storage.Tx) error {
		evs, err := tx.HistoryAfter(post.Num, 0)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, types.KindInsertPost, evs[0].Kind)

		var p types.InsertPostPayload
		require.NoError(t, json.Unmarshal(evs[0].Payload, &p))
		assert.Equal(t, post.Num, p.Num)
		// origin addresses never enter the replay log
		assert.Empty(t, p.IP)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertPostReplyAndBump(t *testing.T) {
	l, store := newTestLog(t)

	first, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "a"})
	require.NoError(t, err)
	second, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "b"})
	require.NoError(t, err)

	// replying bumps the first thread back above the second
	reply, err := l.InsertPost(anon, "moe", &types.AllocatePayload{OP: first.Num, Body: "r"})
	require.NoError(t, err)
	assert.Equal(t, first.Num, reply.OP)

	err = store.View(func(tx *storage.Tx) error {
		nums, err := tx.BoardThreads("moe", 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{first.Num, second.Num}, nums)
		return nil
	})
	require.NoError(t, err)

	// a saged reply does not bump
	_, err = l.InsertPost(anon, "moe", &types.AllocatePayload{
		OP: second.Num, Email: "sage", Body: "quiet",
	})
	require.NoError(t, err)
	err = store.View(func(tx *storage.Tx) error {
		nums, err := tx.BoardThreads("moe", 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{first.Num, second.Num}, nums)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertPostRejections(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.InsertPost(types.Ident{ReadOnly: true}, "moe", &types.AllocatePayload{})
	assert.ErrorIs(t, err, types.ErrReadOnly)

	_, err = l.InsertPost(anon, "nosuch", &types.AllocatePayload{})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = l.InsertPost(anon, "moe", &types.AllocatePayload{OP: 999})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLockedThreadRejectsPosts(t *testing.T) {
	l, _ := newTestLog(t)
	mod := types.Ident{IP: "10.1.0.1", Moderator: true}

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)
	require.NoError(t, l.SetThreadLock(mod, root.Num, true))

	_, err = l.InsertPost(anon, "moe", &types.AllocatePayload{OP: root.Num, Body: "nope"})
	assert.ErrorIs(t, err, types.ErrLocked)

	// moderators post through locks
	_, err = l.InsertPost(mod, "moe", &types.AllocatePayload{OP: root.Num, Body: "staff"})
	require.NoError(t, err)

	require.NoError(t, l.SetThreadLock(mod, root.Num, false))
	_, err = l.InsertPost(anon, "moe", &types.AllocatePayload{OP: root.Num, Body: "again"})
	require.NoError(t, err)
}

func TestStaffBoardThreadsAreImmortal(t *testing.T) {
	l, store := newTestLog(t)
	mod := types.Ident{IP: "10.1.0.1", Moderator: true}

	root, err := l.InsertPost(mod, "staff", &types.AllocatePayload{Body: "internal"})
	require.NoError(t, err)

	thread, err := store.GetThread(root.Num)
	require.NoError(t, err)
	assert.True(t, thread.Immortal)
}

func TestAppendAndFinishFlow(t *testing.T) {
	l, store := newTestLog(t)

	post, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "hel"})
	require.NoError(t, err)

	ord, err := l.AppendPost(anon, post.Num, "lo")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ord)

	require.NoError(t, l.FinishPost(anon, post.Num))

	got, err := store.GetPost(post.Num)
	require.NoError(t, err)
	assert.False(t, got.Editing)
	assert.Equal(t, "hello", got.Body)

	// sealing again is a no-op, not an error, and appends no event
	require.NoError(t, l.FinishPost(anon, post.Num))
	err = store.View(func(tx *storage.Tx) error {
		assert.Equal(t, uint64(3), tx.HistoryCtr(post.Num))
		return nil
	})
	require.NoError(t, err)

	// appending to a sealed post fails
	_, err = l.AppendPost(anon, post.Num, "x")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFinishAllSealsStragglers(t *testing.T) {
	l, store := newTestLog(t)

	a, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "one"})
	require.NoError(t, err)
	b, err := l.InsertPost(anon, "moe", &types.AllocatePayload{OP: a.Num, Body: "two"})
	require.NoError(t, err)

	require.NoError(t, l.FinishAll())

	for _, num := range []uint64{a.Num, b.Num} {
		post, err := store.GetPost(num)
		require.NoError(t, err)
		assert.False(t, post.Editing, "post %d", num)
	}

	// nothing left open
	err = store.View(func(tx *storage.Tx) error {
		open, err := tx.OpenPosts()
		require.NoError(t, err)
		assert.Empty(t, open)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertImage(t *testing.T) {
	l, store := newTestLog(t)
	img := &types.Image{Src: "a.jpg", MD5: "x", Size: 123}

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op", Image: img})
	require.NoError(t, err)
	reply, err := l.InsertPost(anon, "moe", &types.AllocatePayload{OP: root.Num, Body: "r"})
	require.NoError(t, err)

	// roots get their image at insert time only
	err = l.InsertImage(anon, root.Num, img)
	assert.Error(t, err)

	require.NoError(t, l.InsertImage(anon, reply.Num, img))
	err = l.InsertImage(anon, reply.Num, img)
	assert.Error(t, err)

	thread, err := store.GetThread(root.Num)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.ImageCtr)
}

func TestImageModeration(t *testing.T) {
	l, store := newTestLog(t)
	mod := types.Ident{IP: "10.1.0.1", Moderator: true}
	img := &types.Image{Src: "a.jpg", MD5: "x", Size: 123}

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op", Image: img})
	require.NoError(t, err)
	reply, err := l.InsertPost(anon, "moe", &types.AllocatePayload{OP: root.Num, Body: "r", Image: img})
	require.NoError(t, err)

	assert.ErrorIs(t, l.SpoilerImages(anon, []uint64{reply.Num}), types.ErrNotFound)

	require.NoError(t, l.SpoilerImages(mod, []uint64{reply.Num}))
	got, err := store.GetPost(reply.Num)
	require.NoError(t, err)
	require.NotNil(t, got.Image)
	assert.True(t, got.Image.Spoiler)

	require.NoError(t, l.DeleteImages(mod, []uint64{reply.Num}))
	got, err = store.GetPost(reply.Num)
	require.NoError(t, err)
	assert.Nil(t, got.Image)

	thread, err := store.GetThread(root.Num)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.ImageCtr)
}

func TestRemoveThread(t *testing.T) {
	l, store := newTestLog(t)
	mod := types.Ident{IP: "10.1.0.1", Moderator: true}

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "doomed"})
	require.NoError(t, err)
	_, err = l.InsertPost(anon, "moe", &types.AllocatePayload{OP: root.Num, Body: "me too"})
	require.NoError(t, err)

	require.NoError(t, l.RemoveThread(mod, root.Num))

	thread, err := store.GetThread(root.Num)
	require.NoError(t, err)
	assert.True(t, thread.Hidden)

	// gone from the board listing
	err = store.View(func(tx *storage.Tx) error {
		nums, err := tx.BoardThreads("moe", 0)
		require.NoError(t, err)
		assert.Empty(t, nums)

		// the removal itself is the last replayable event
		evs, err := tx.HistoryAfter(root.Num, 2)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, types.KindDeleteThread, evs[0].Kind)
		return nil
	})
	require.NoError(t, err)
}

func TestRemovePosts(t *testing.T) {
	l, store := newTestLog(t)
	mod := types.Ident{IP: "10.1.0.1", Moderator: true}

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)
	reply, err := l.InsertPost(anon, "moe", &types.AllocatePayload{OP: root.Num, Body: "bad"})
	require.NoError(t, err)

	require.NoError(t, l.RemovePosts(mod, []uint64{reply.Num}))

	got, err := store.GetPost(reply.Num)
	require.NoError(t, err)
	assert.True(t, got.Hidden)

	// the root survives
	rootPost, err := store.GetPost(root.Num)
	require.NoError(t, err)
	assert.False(t, rootPost.Hidden)
}

func TestMoveThread(t *testing.T) {
	l, store := newTestLog(t)
	mod := types.Ident{IP: "10.1.0.1", Moderator: true}
	cfg := config.Default()
	cfg.Boards = append(cfg.Boards, "tech")
	l.cfg = cfg

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "misplaced"})
	require.NoError(t, err)

	require.NoError(t, l.MoveThread(mod, root.Num, "tech"))

	thread, err := store.GetThread(root.Num)
	require.NoError(t, err)
	assert.Equal(t, []string{"tech"}, thread.Tags)

	err = store.View(func(tx *storage.Tx) error {
		old, err := tx.BoardThreads("moe", 0)
		require.NoError(t, err)
		assert.Empty(t, old)

		now, err := tx.BoardThreads("tech", 0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{root.Num}, now)
		return nil
	})
	require.NoError(t, err)
}

func TestFetchBacklogs(t *testing.T) {
	l, _ := newTestLog(t)

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)
	_, err = l.AppendPost(anon, root.Num, " one")
	require.NoError(t, err)
	_, err = l.AppendPost(anon, root.Num, " two")
	require.NoError(t, err)

	backlog, gone, err := l.FetchBacklogs(types.Ident{}, map[uint64]uint64{root.Num: 1})
	require.NoError(t, err)
	assert.Empty(t, gone)
	require.Len(t, backlog, 2)
	assert.Equal(t, uint64(2), backlog[0].Ordinal)
	assert.Equal(t, uint64(3), backlog[1].Ordinal)

	// unknown thread with a nonzero watermark is reported gone
	backlog, gone, err = l.FetchBacklogs(types.Ident{}, map[uint64]uint64{999: 4})
	require.NoError(t, err)
	assert.Empty(t, backlog)
	assert.Equal(t, []uint64{999}, gone)
}

func TestBacklogInjectsIPForModerators(t *testing.T) {
	l, _ := newTestLog(t)

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)

	decode := func(ev types.Event) types.InsertPostPayload {
		var p types.InsertPostPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		return p
	}

	public, _, err := l.FetchBacklogs(types.Ident{}, map[uint64]uint64{root.Num: 0})
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Empty(t, decode(public[0]).IP)

	mod, _, err := l.FetchBacklogs(types.Ident{Moderator: true}, map[uint64]uint64{root.Num: 0})
	require.NoError(t, err)
	require.Len(t, mod, 1)
	assert.Equal(t, anon.IP, decode(mod[0]).IP)
}

func TestReportPostRidesStaffChannel(t *testing.T) {
	l, _ := newTestLog(t)

	root, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)
	require.NoError(t, l.ReportPost(anon, root.Num, "spam"))

	// invisible to the public replay
	public, _, err := l.FetchBacklogs(types.Ident{}, map[uint64]uint64{root.Num: 1})
	require.NoError(t, err)
	assert.Empty(t, public)

	staff, _, err := l.FetchBacklogs(types.Ident{Moderator: true}, map[uint64]uint64{root.Num: 1})
	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.Equal(t, types.KindReportPost, staff[0].Kind)
}

func TestPublishFollowsCommit(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	l := New(store, broker, config.Default())
	sub := broker.Subscribe(events.TagTopic("moe"))

	post, err := l.InsertPost(anon, "moe", &types.AllocatePayload{Body: "op"})
	require.NoError(t, err)

	select {
	case u := <-sub:
		assert.Equal(t, post.Num, u.Event.Thread)
		// by the time the update is observable, the write is durable
		got, err := store.GetPost(post.Num)
		require.NoError(t, err)
		assert.Equal(t, post.Num, got.Num)
	case <-time.After(time.Second):
		t.Fatal("no publish after commit")
	}
}
