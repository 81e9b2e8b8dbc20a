package cache

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Index is the process-wide ownership cache: which thread a post
// belongs to and which boards a thread lives on. It is rebuilt from
// the store at startup and then kept current by cache updates riding
// the pub/sub layer, so lookups never touch the store.
type Index struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu   sync.RWMutex
	ops  map[uint64]uint64   // post num -> thread num
	tags map[uint64][]string // thread num -> board tags

	sub      events.Subscriber
	doneCh   chan struct{}
	stopping bool
}

// NewIndex creates an ownership index over the given store and broker.
func NewIndex(store storage.Store, broker *events.Broker) *Index {
	return &Index{
		store:  store,
		broker: broker,
		logger: log.WithComponent("cache"),
		ops:    make(map[uint64]uint64),
		tags:   make(map[uint64][]string),
	}
}

// Start subscribes to cache updates, rebuilds the index from the
// store, and begins consuming. Subscribing first means updates racing
// the scan are applied on top of it, which is safe: every cache update
// is idempotent.
func (x *Index) Start() error {
	x.mu.Lock()
	x.sub = x.broker.Subscribe(events.CacheTopic)
	x.mu.Unlock()

	if err := x.rebuild(); err != nil {
		x.broker.Unsubscribe(x.sub)
		return err
	}
	x.doneCh = make(chan struct{})
	go x.run()
	return nil
}

// rebuild loads the visible world from the store. Visible (non-hidden)
// threads only; a hidden thread is dead as far as addressing goes.
func (x *Index) rebuild() error {
	ops := make(map[uint64]uint64)
	tags := make(map[uint64][]string)
	err := x.store.View(func(tx *storage.Tx) error {
		return tx.ForEachThread(func(t *types.Thread) error {
			if t.Hidden {
				return nil
			}
			ops[t.Num] = t.Num
			for _, num := range t.Replies {
				ops[num] = t.Num
			}
			tags[t.Num] = append([]string(nil), t.Tags...)
			return nil
		})
	})
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.ops = ops
	x.tags = tags
	x.mu.Unlock()

	x.logger.Info().Int("threads", len(tags)).Int("posts", len(ops)).Msg("ownership index built")
	return nil
}

// Stop detaches the index from the broker.
func (x *Index) Stop() {
	x.mu.Lock()
	x.stopping = true
	sub := x.sub
	x.mu.Unlock()

	if sub != nil {
		x.broker.Unsubscribe(sub)
		<-x.doneCh
	}
}

func (x *Index) run() {
	defer close(x.doneCh)
	for {
		x.mu.RLock()
		sub := x.sub
		x.mu.RUnlock()

		for update := range sub {
			var cu types.CacheUpdate
			if err := json.Unmarshal(update.Event.Payload, &cu); err != nil {
				x.logger.Error().Err(err).Msg("bad cache update")
				continue
			}
			x.apply(&cu)
		}

		// the feed closes when Stop unsubscribes, or when the broker
		// cut us for falling behind; in the latter case resubscribe
		// and reload so the index cannot stay stale
		x.mu.Lock()
		stopping := x.stopping
		if !stopping {
			x.sub = x.broker.Subscribe(events.CacheTopic)
		}
		x.mu.Unlock()
		if stopping {
			return
		}

		x.logger.Warn().Msg("cache feed lost; rebuilding")
		if err := x.rebuild(); err != nil {
			x.logger.Error().Err(err).Msg("cache rebuild failed")
			return
		}
	}
}

func (x *Index) apply(cu *types.CacheUpdate) {
	x.mu.Lock()
	defer x.mu.Unlock()

	switch cu.Kind {
	case types.KindInsertPost:
		if cu.Num != 0 {
			x.ops[cu.Num] = cu.Op
		} else {
			// new thread
			x.ops[cu.Op] = cu.Op
			x.tags[cu.Op] = []string{cu.Tag}
		}
	case types.KindMoveThread:
		x.tags[cu.Op] = []string{cu.Tag}
	case types.KindDeletePosts:
		for _, num := range cu.Nums {
			delete(x.ops, num)
		}
	case types.KindDeleteThread:
		for _, num := range cu.Nums {
			delete(x.ops, num)
		}
		delete(x.tags, cu.Op)
	}
}

// OP resolves a post number to its owning thread. A thread number
// resolves to itself.
func (x *Index) OP(num uint64) (uint64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	op, ok := x.ops[num]
	return op, ok
}

// Tags returns the board tags a live thread is filed under.
func (x *Index) Tags(op uint64) ([]string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	tags, ok := x.tags[op]
	if !ok {
		return nil, false
	}
	return append([]string(nil), tags...), true
}

// ThreadAlive reports whether the thread exists and has not been
// removed.
func (x *Index) ThreadAlive(op uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	owner, ok := x.ops[op]
	return ok && owner == op
}

// Threads lists the live thread numbers, ascending. Mostly for tests
// and diagnostics.
func (x *Index) Threads() []uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	nums := make([]uint64, 0, len(x.tags))
	for op := range x.tags {
		nums = append(nums, op)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}
