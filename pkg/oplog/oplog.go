package oplog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/liveboard-dev/liveboard/pkg/config"
	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/metrics"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
	"github.com/rs/zerolog"
)

// Log is the mutation log writer, shared by all sessions. Every
// mutation runs as one all-or-nothing store transaction (state deltas
// plus history append) and is published only after the transaction
// commits; a failed transaction publishes nothing and the caller must
// treat the write as not-happened.
//
// The writer mutex spans commit and publish so that the publish order
// on a thread's channel matches the ordinal order in its history.
type Log struct {
	store  storage.Store
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger

	mu sync.Mutex
}

// New creates the shared mutation log writer.
func New(store storage.Store, broker *events.Broker, cfg *config.Config) *Log {
	return &Log{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("oplog"),
	}
}

// outgoing is one publish-after-commit unit.
type outgoing struct {
	topics []string
	update *events.Update
}

func (l *Log) flush(outs []outgoing) {
	for _, out := range outs {
		for _, topic := range out.topics {
			l.broker.Publish(topic, out.update)
		}
		metrics.EventsPublished.WithLabelValues(out.update.Event.Kind.String()).Inc()
	}
}

// topicsFor builds the publish fan-out for a thread-scoped event:
// the thread's own channel plus every tag channel the thread currently
// belongs to. Privileged events go out on overlay-prefixed keys only.
func topicsFor(ev *types.Event, tags []string) []string {
	prefix := ""
	if ch := types.PrivChannel(ev.Priv); ch != "" {
		prefix = ch + ":"
	}
	topics := []string{prefix + events.ThreadTopic(ev.Thread)}
	for _, tag := range tags {
		topics = append(topics, prefix+events.TagTopic(tag))
	}
	return topics
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// payload structs are plain data; this cannot fail at runtime
		panic(fmt.Sprintf("marshal event payload: %v", err))
	}
	return data
}

func cacheOut(cu *types.CacheUpdate) outgoing {
	return outgoing{
		topics: []string{events.CacheTopic},
		update: &events.Update{Event: types.Event{
			Thread:  cu.Op,
			Kind:    cu.Kind,
			Payload: mustMarshal(cu),
		}},
	}
}

// InsertPost reserves and announces a new open post; a zero alloc.OP
// opens a new thread. The existence, board membership and lock checks
// run inside the same write transaction that allocates the post num,
// so a thread cannot accept a post after being locked or deleted
// mid-insert.
func (l *Log) InsertPost(ident types.Ident, board string, alloc *types.AllocatePayload) (*types.Post, error) {
	if ident.ReadOnly {
		return nil, types.ErrReadOnly
	}
	if !l.cfg.HasBoard(board) {
		return nil, types.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	timer := metrics.NewTimer()

	var (
		post *types.Post
		outs []outgoing
	)
	err := l.store.Update(func(tx *storage.Tx) error {
		now := time.Now().UTC()
		var thread *types.Thread

		if alloc.OP != 0 {
			var err error
			thread, err = tx.Thread(alloc.OP)
			if err != nil {
				return err
			}
			if thread.Hidden || !thread.HasTag(board) {
				return types.ErrNotFound
			}
			if thread.Locked && !ident.Moderator {
				return types.ErrLocked
			}
		}

		num, err := tx.NextPostNum()
		if err != nil {
			return err
		}

		op := alloc.OP
		if op == 0 {
			op = num
		}
		post = &types.Post{
			Num:     num,
			OP:      op,
			Time:    now,
			Name:    alloc.Name,
			Email:   alloc.Email,
			Subject: alloc.Subject,
			Body:    alloc.Body,
			Editing: true,
			Priv:    ident.Priv,
			Image:   alloc.Image,
		}

		if thread == nil {
			thread = &types.Thread{
				Num:       num,
				Tags:      []string{board},
				Subject:   alloc.Subject,
				Immortal:  board == l.cfg.StaffBoard,
				BumpCtrs:  make(map[string]uint64),
				CreatedAt: now,
			}
		} else {
			thread.Replies = append(thread.Replies, num)
		}
		if alloc.Image != nil {
			thread.ImageCtr++
		}

		// bump unless saged; new threads always take a position
		if alloc.OP == 0 || alloc.Email != "sage" {
			if thread.BumpCtrs == nil {
				thread.BumpCtrs = make(map[string]uint64)
			}
			for _, tag := range thread.Tags {
				if old, ok := thread.BumpCtrs[tag]; ok {
					if err := tx.BoardRemove(tag, old); err != nil {
						return err
					}
				}
				ctr, err := tx.BoardAdd(tag, thread.Num)
				if err != nil {
					return err
				}
				thread.BumpCtrs[tag] = ctr
			}
		}

		if err := tx.PutThread(thread); err != nil {
			return err
		}
		if err := tx.PutPost(post); err != nil {
			return err
		}
		if err := tx.SetBody(num, alloc.Body); err != nil {
			return err
		}
		if ident.IP != "" {
			if err := tx.SetIP(op, num, ident.IP); err != nil {
				return err
			}
		}

		view := *post
		ev := types.Event{
			Thread:  op,
			Kind:    types.KindInsertPost,
			Payload: mustMarshal(types.InsertPostPayload{Num: num, View: view}),
			Priv:    ident.Priv,
		}
		if _, err := tx.AppendHistory(&ev); err != nil {
			return err
		}

		update := &events.Update{Event: ev}
		if ident.IP != "" {
			update.Extra = map[string]json.RawMessage{
				"auth": mustMarshal(struct {
					IP string `json:"ip"`
				}{IP: ident.IP}),
			}
		}
		outs = append(outs, outgoing{topics: topicsFor(&ev, thread.Tags), update: update})

		cu := &types.CacheUpdate{Kind: types.KindInsertPost, Op: op, Tag: board}
		if alloc.OP != 0 {
			cu.Num = num
		}
		outs = append(outs, cacheOut(cu))
		return nil
	})
	if err != nil {
		return nil, err
	}

	timer.ObserveDuration(metrics.AppendDuration)
	l.flush(outs)
	l.logger.Debug().Uint64("num", post.Num).Uint64("op", post.OP).Msg("post inserted")
	return post, nil
}

// AppendPost grows an open post's body. Returns the event ordinal.
func (l *Log) AppendPost(ident types.Ident, num uint64, tail string) (uint64, error) {
	if ident.ReadOnly {
		return 0, types.ErrReadOnly
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		ord  uint64
		outs []outgoing
	)
	err := l.store.Update(func(tx *storage.Tx) error {
		post, err := tx.Post(num)
		if err != nil {
			return err
		}
		if post.Hidden || !post.Editing {
			return types.ErrNotFound
		}
		thread, err := tx.Thread(post.OP)
		if err != nil {
			return err
		}
		if thread.Hidden {
			return types.ErrNotFound
		}

		if err := tx.AppendBody(num, tail); err != nil {
			return err
		}

		ev := types.Event{
			Thread:  post.OP,
			Kind:    types.KindAppendPost,
			Payload: mustMarshal(types.AppendPostPayload{Num: num, Tail: tail}),
			Priv:    post.Priv,
		}
		if ord, err = tx.AppendHistory(&ev); err != nil {
			return err
		}
		outs = append(outs, outgoing{topics: topicsFor(&ev, thread.Tags), update: &events.Update{Event: ev}})
		return nil
	})
	if err != nil {
		return 0, err
	}

	l.flush(outs)
	return ord, nil
}

// FinishPost seals an open post. Its body moves from the open store
// into the durable post record and becomes immutable.
func (l *Log) FinishPost(ident types.Ident, num uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		var err error
		outs, err = finishInTx(tx, num)
		return err
	})
	if err != nil {
		return err
	}
	l.flush(outs)
	return nil
}

// finishInTx seals one open post within the caller's transaction.
func finishInTx(tx *storage.Tx, num uint64) ([]outgoing, error) {
	post, err := tx.Post(num)
	if err != nil {
		return nil, err
	}
	if !post.Editing {
		return nil, nil // already finished; sealing is idempotent
	}
	if body, ok := tx.Body(num); ok {
		post.Body = body
	}
	post.Editing = false
	if err := tx.PutPost(post); err != nil {
		return nil, err
	}
	if err := tx.DeleteBody(num); err != nil {
		return nil, err
	}

	thread, err := tx.Thread(post.OP)
	if err != nil {
		return nil, err
	}
	ev := types.Event{
		Thread:  post.OP,
		Kind:    types.KindFinishPost,
		Payload: mustMarshal(types.FinishPostPayload{Num: num}),
		Priv:    post.Priv,
	}
	if _, err := tx.AppendHistory(&ev); err != nil {
		return nil, err
	}
	return []outgoing{{topics: topicsFor(&ev, thread.Tags), update: &events.Update{Event: ev}}}, nil
}

// FinishAll seals every post left open, e.g. after an unclean
// shutdown. Run once at startup before accepting connections.
func (l *Log) FinishAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		nums, err := tx.OpenPosts()
		if err != nil {
			return err
		}
		for _, num := range nums {
			o, err := finishInTx(tx, num)
			if err != nil {
				return err
			}
			outs = append(outs, o...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(outs) > 0 {
		l.logger.Info().Int("posts", len(outs)).Msg("finished stale open posts")
	}
	l.flush(outs)
	return nil
}

// InsertImage attaches a finished upload to an existing reply.
func (l *Log) InsertImage(ident types.Ident, num uint64, img *types.Image) error {
	if ident.ReadOnly {
		return types.ErrReadOnly
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		post, err := tx.Post(num)
		if err != nil {
			return err
		}
		if post.Hidden {
			return types.ErrNotFound
		}
		if post.IsRoot() {
			return fmt.Errorf("cannot add another image to a thread root")
		}
		if post.Image != nil {
			return fmt.Errorf("post %d already has an image", num)
		}
		post.Image = img
		if err := tx.PutPost(post); err != nil {
			return err
		}

		thread, err := tx.Thread(post.OP)
		if err != nil {
			return err
		}
		thread.ImageCtr++
		if err := tx.PutThread(thread); err != nil {
			return err
		}

		ev := types.Event{
			Thread:  post.OP,
			Kind:    types.KindInsertImage,
			Payload: mustMarshal(types.InsertImagePayload{Num: num, Image: *img}),
			Priv:    post.Priv,
		}
		if _, err := tx.AppendHistory(&ev); err != nil {
			return err
		}
		outs = append(outs, outgoing{topics: topicsFor(&ev, thread.Tags), update: &events.Update{Event: ev}})
		return nil
	})
	if err != nil {
		return err
	}
	l.flush(outs)
	return nil
}
