package oplog

import (
	"sort"

	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Moderation mutations. These rewrite history's effect (never the
// history itself): deletions are soft and logged, so every live viewer
// learns of the change through the same channel as ordinary posts.

// RemovePosts soft-deletes the given replies, grouped per thread. A
// root num in the list removes its whole thread.
func (l *Log) RemovePosts(ident types.Ident, nums []uint64) error {
	if !ident.Moderator {
		return types.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		byThread := make(map[uint64][]uint64)
		for _, num := range nums {
			post, err := tx.Post(num)
			if err != nil {
				return err
			}
			if post.IsRoot() {
				o, err := removeThreadInTx(tx, post.Num)
				if err != nil {
					return err
				}
				outs = append(outs, o...)
				continue
			}
			if post.Hidden {
				continue
			}
			post.Hidden = true
			post.Editing = false
			if err := tx.PutPost(post); err != nil {
				return err
			}
			if err := tx.DeleteBody(num); err != nil {
				return err
			}
			byThread[post.OP] = append(byThread[post.OP], num)
		}

		ops := make([]uint64, 0, len(byThread))
		for op := range byThread {
			ops = append(ops, op)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })

		for _, op := range ops {
			thread, err := tx.Thread(op)
			if err != nil {
				return err
			}
			ev := types.Event{
				Thread:  op,
				Kind:    types.KindDeletePosts,
				Payload: mustMarshal(types.DeletePostsPayload{Nums: byThread[op]}),
			}
			if _, err := tx.AppendHistory(&ev); err != nil {
				return err
			}
			outs = append(outs, outgoing{topics: topicsFor(&ev, thread.Tags), update: &events.Update{Event: ev}})
			outs = append(outs, cacheOut(&types.CacheUpdate{
				Kind: types.KindDeletePosts,
				Op:   op,
				Nums: byThread[op],
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.flush(outs)
	return nil
}

// RemoveThread soft-deletes a whole thread and unindexes it from its
// boards. The thread-deleted event is the last entry in its history.
func (l *Log) RemoveThread(ident types.Ident, op uint64) error {
	if !ident.Moderator {
		return types.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		var err error
		outs, err = removeThreadInTx(tx, op)
		return err
	})
	if err != nil {
		return err
	}
	l.flush(outs)
	return nil
}

func removeThreadInTx(tx *storage.Tx, op uint64) ([]outgoing, error) {
	thread, err := tx.Thread(op)
	if err != nil {
		return nil, err
	}
	if thread.Hidden {
		return nil, nil
	}

	ev := types.Event{
		Thread:  op,
		Kind:    types.KindDeleteThread,
		Payload: mustMarshal(types.DeleteThreadPayload{}),
	}
	if _, err := tx.AppendHistory(&ev); err != nil {
		return nil, err
	}

	tags := thread.Tags
	thread.Hidden = true
	for tag, ctr := range thread.BumpCtrs {
		if err := tx.BoardRemove(tag, ctr); err != nil {
			return nil, err
		}
	}
	thread.BumpCtrs = nil
	if err := tx.PutThread(thread); err != nil {
		return nil, err
	}
	if err := tx.DeleteBody(op); err != nil {
		return nil, err
	}

	outs := []outgoing{{topics: topicsFor(&ev, tags), update: &events.Update{Event: ev}}}
	outs = append(outs, cacheOut(&types.CacheUpdate{
		Kind: types.KindDeleteThread,
		Op:   op,
		Nums: append([]uint64{op}, thread.Replies...),
	}))
	return outs, nil
}

// DeleteImages strips the images from the given posts.
func (l *Log) DeleteImages(ident types.Ident, nums []uint64) error {
	return l.imageAction(ident, nums, types.KindDeleteImages)
}

// SpoilerImages spoilers the images of the given posts.
func (l *Log) SpoilerImages(ident types.Ident, nums []uint64) error {
	return l.imageAction(ident, nums, types.KindSpoilerImages)
}

func (l *Log) imageAction(ident types.Ident, nums []uint64, kind types.Kind) error {
	if !ident.Moderator {
		return types.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		byThread := make(map[uint64][]uint64)
		for _, num := range nums {
			post, err := tx.Post(num)
			if err != nil {
				return err
			}
			if post.Image == nil {
				continue
			}
			switch kind {
			case types.KindDeleteImages:
				post.Image = nil
			case types.KindSpoilerImages:
				post.Image.Spoiler = true
			}
			if err := tx.PutPost(post); err != nil {
				return err
			}
			if kind == types.KindDeleteImages {
				thread, err := tx.Thread(post.OP)
				if err != nil {
					return err
				}
				thread.ImageCtr--
				if err := tx.PutThread(thread); err != nil {
					return err
				}
			}
			byThread[post.OP] = append(byThread[post.OP], num)
		}

		for op, affected := range byThread {
			thread, err := tx.Thread(op)
			if err != nil {
				return err
			}
			var payload any
			if kind == types.KindDeleteImages {
				payload = types.DeleteImagesPayload{Nums: affected}
			} else {
				payload = types.SpoilerImagesPayload{Nums: affected}
			}
			ev := types.Event{
				Thread:  op,
				Kind:    kind,
				Payload: mustMarshal(payload),
			}
			if _, err := tx.AppendHistory(&ev); err != nil {
				return err
			}
			outs = append(outs, outgoing{topics: topicsFor(&ev, thread.Tags), update: &events.Update{Event: ev}})
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.flush(outs)
	return nil
}

// SetThreadLock locks or unlocks posting on a thread.
func (l *Log) SetThreadLock(ident types.Ident, op uint64, locked bool) error {
	if !ident.Moderator {
		return types.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		thread, err := tx.Thread(op)
		if err != nil {
			return err
		}
		if thread.Hidden {
			return types.ErrNotFound
		}
		if thread.Locked == locked {
			return nil
		}
		thread.Locked = locked
		if err := tx.PutThread(thread); err != nil {
			return err
		}

		kind := types.KindLockThread
		var payload any = types.LockThreadPayload{}
		if !locked {
			kind = types.KindUnlockThread
			payload = types.UnlockThreadPayload{}
		}
		ev := types.Event{Thread: op, Kind: kind, Payload: mustMarshal(payload)}
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

// MoveThread rehomes a thread onto another board. Live-only: board
// membership is not part of a thread's replayable history, so viewers
// of the old and new boards both get told directly and the cache index
// is rewritten.
func (l *Log) MoveThread(ident types.Ident, op uint64, newTag string) error {
	if !ident.Moderator {
		return types.ErrNotFound
	}
	if !l.cfg.HasBoard(newTag) {
		return types.ErrNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		thread, err := tx.Thread(op)
		if err != nil {
			return err
		}
		if thread.Hidden {
			return types.ErrNotFound
		}
		oldTags := thread.Tags
		for tag, ctr := range thread.BumpCtrs {
			if err := tx.BoardRemove(tag, ctr); err != nil {
				return err
			}
		}
		ctr, err := tx.BoardAdd(newTag, op)
		if err != nil {
			return err
		}
		thread.Tags = []string{newTag}
		thread.BumpCtrs = map[string]uint64{newTag: ctr}
		if err := tx.PutThread(thread); err != nil {
			return err
		}

		ev := types.Event{
			Thread:  op,
			Kind:    types.KindMoveThread,
			Payload: mustMarshal(types.MoveThreadPayload{Tag: newTag}),
		}
		// fan out to the thread, the old boards, and the new one
		topics := topicsFor(&ev, append(append([]string{}, oldTags...), newTag))
		outs = append(outs, outgoing{topics: topics, update: &events.Update{Event: ev}})
		outs = append(outs, cacheOut(&types.CacheUpdate{
			Kind: types.KindMoveThread,
			Op:   op,
			Tag:  newTag,
		}))
		return nil
	})
	if err != nil {
		return err
	}
	l.flush(outs)
	return nil
}

// UpdateBanner broadcasts a new banner message to a board's viewers.
// Live-only; never logged.
func (l *Log) UpdateBanner(ident types.Ident, board, message string) error {
	if !ident.Moderator {
		return types.ErrNotFound
	}
	ev := types.Event{
		Kind:    types.KindUpdateBanner,
		Payload: mustMarshal(types.UpdateBannerPayload{Message: message}),
	}
	l.flush([]outgoing{{
		topics: []string{events.TagTopic(board)},
		update: &events.Update{Event: ev},
	}})
	return nil
}

// ReportPost forwards a report to staff. Logged on the moderator
// overlay only; ordinary viewers never see it.
func (l *Log) ReportPost(ident types.Ident, num uint64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var outs []outgoing
	err := l.store.Update(func(tx *storage.Tx) error {
		post, err := tx.Post(num)
		if err != nil {
			return err
		}
		thread, err := tx.Thread(post.OP)
		if err != nil {
			return err
		}
		ev := types.Event{
			Thread:  post.OP,
			Kind:    types.KindReportPost,
			Payload: mustMarshal(types.ReportPostPayload{Num: num, Reason: reason}),
			Priv:    "auth",
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
