package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/liveboard-dev/liveboard/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketThreads = []byte("threads")
	bucketPosts   = []byte("posts")
	bucketBodies  = []byte("bodies")  // open post bodies, keyed by post num
	bucketHistory = []byte("history") // nested per thread: ordinal -> event
	bucketBoards  = []byte("boards")  // nested per tag: bumpctr -> thread num
	bucketIPs     = []byte("ips")     // nested per thread: post num -> origin address
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "liveboard.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketThreads,
			bucketPosts,
			bucketBodies,
			bucketHistory,
			bucketBoards,
			bucketIPs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn in one read-write transaction.
func (s *BoltStore) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// View runs fn in one read-only transaction.
func (s *BoltStore) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx})
	})
}

// GetThread fetches a single thread record.
func (s *BoltStore) GetThread(num uint64) (*types.Thread, error) {
	var t *types.Thread
	err := s.View(func(tx *Tx) error {
		var err error
		t, err = tx.Thread(num)
		return err
	})
	return t, err
}

// GetPost fetches a single post record.
func (s *BoltStore) GetPost(num uint64) (*types.Post, error) {
	var p *types.Post
	err := s.View(func(tx *Tx) error {
		var err error
		p, err = tx.Post(num)
		return err
	})
	return p, err
}

// Tx wraps a bolt transaction with typed accessors. A Tx is only valid
// for the duration of the Update/View closure it was handed to.
type Tx struct {
	btx *bolt.Tx
}

func u64key(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Thread loads a thread record, or types.ErrNotFound.
func (tx *Tx) Thread(num uint64) (*types.Thread, error) {
	data := tx.btx.Bucket(bucketThreads).Get(u64key(num))
	if data == nil {
		return nil, types.ErrNotFound
	}
	var t types.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PutThread writes a thread record (upsert).
func (tx *Tx) PutThread(t *types.Thread) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketThreads).Put(u64key(t.Num), data)
}

// ForEachThread visits every thread record. Stops on the first error.
func (tx *Tx) ForEachThread(fn func(*types.Thread) error) error {
	return tx.btx.Bucket(bucketThreads).ForEach(func(_, data []byte) error {
		var t types.Thread
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		return fn(&t)
	})
}

// Post loads a post record, or types.ErrNotFound.
func (tx *Tx) Post(num uint64) (*types.Post, error) {
	data := tx.btx.Bucket(bucketPosts).Get(u64key(num))
	if data == nil {
		return nil, types.ErrNotFound
	}
	var p types.Post
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutPost writes a post record (upsert).
func (tx *Tx) PutPost(p *types.Post) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.btx.Bucket(bucketPosts).Put(u64key(p.Num), data)
}

// NextPostNum allocates a fresh post number. Allocation happens inside
// the caller's write transaction, so the "thread still open" check and
// the allocation cannot interleave with another writer.
func (tx *Tx) NextPostNum() (uint64, error) {
	return tx.btx.Bucket(bucketPosts).NextSequence()
}

// Body returns the in-progress body of an open post.
func (tx *Tx) Body(num uint64) (string, bool) {
	data := tx.btx.Bucket(bucketBodies).Get(u64key(num))
	if data == nil {
		return "", false
	}
	return string(data), true
}

// SetBody seeds or replaces an open post body.
func (tx *Tx) SetBody(num uint64, body string) error {
	return tx.btx.Bucket(bucketBodies).Put(u64key(num), []byte(body))
}

// AppendBody grows an open post body. Append-only growth is only valid
// while the post is open.
func (tx *Tx) AppendBody(num uint64, tail string) error {
	b := tx.btx.Bucket(bucketBodies)
	key := u64key(num)
	cur := b.Get(key)
	if cur == nil {
		return types.ErrNotFound
	}
	return b.Put(key, append(append([]byte{}, cur...), tail...))
}

// DeleteBody drops the open-body record once a post is finished.
func (tx *Tx) DeleteBody(num uint64) error {
	return tx.btx.Bucket(bucketBodies).Delete(u64key(num))
}

// OpenPosts lists the nums of all posts still being composed.
func (tx *Tx) OpenPosts() ([]uint64, error) {
	var nums []uint64
	err := tx.btx.Bucket(bucketBodies).ForEach(func(k, v []byte) error {
		nums = append(nums, binary.BigEndian.Uint64(k))
		return nil
	})
	return nums, err
}

// AppendHistory records a replayable event on its thread and returns
// the new history counter value, which becomes the event's ordinal.
func (tx *Tx) AppendHistory(ev *types.Event) (uint64, error) {
	hb, err := tx.btx.Bucket(bucketHistory).CreateBucketIfNotExists(u64key(ev.Thread))
	if err != nil {
		return 0, err
	}
	ord, err := hb.NextSequence()
	if err != nil {
		return 0, err
	}
	ev.Ordinal = ord
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	if err := hb.Put(u64key(ord), data); err != nil {
		return 0, err
	}
	return ord, nil
}

// HistoryCtr returns the thread's current history counter.
func (tx *Tx) HistoryCtr(thread uint64) uint64 {
	hb := tx.btx.Bucket(bucketHistory).Bucket(u64key(thread))
	if hb == nil {
		return 0
	}
	return hb.Sequence()
}

// HistoryAfter returns all events with ordinal strictly greater than
// after, in ascending ordinal order. If the log has been pruned past
// the requested watermark the caller gets types.ErrHistoryGone rather
// than a silently truncated replay.
func (tx *Tx) HistoryAfter(thread, after uint64) ([]types.Event, error) {
	hb := tx.btx.Bucket(bucketHistory).Bucket(u64key(thread))
	if hb == nil {
		if after > 0 {
			return nil, types.ErrHistoryGone
		}
		return nil, nil
	}
	var events []types.Event
	c := hb.Cursor()
	k, v := c.Seek(u64key(after + 1))
	if k == nil {
		// nothing after the watermark; make sure the watermark itself
		// was not beyond what we retain
		if after > hb.Sequence() {
			return nil, types.ErrHistoryGone
		}
		return nil, nil
	}
	if first := binary.BigEndian.Uint64(k); first != after+1 {
		return nil, types.ErrHistoryGone
	}
	for ; k != nil; k, v = c.Next() {
		var ev types.Event
		if err := json.Unmarshal(v, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// DeleteHistory drops a thread's replay log (administrative archival).
func (tx *Tx) DeleteHistory(thread uint64) error {
	hbRoot := tx.btx.Bucket(bucketHistory)
	if hbRoot.Bucket(u64key(thread)) == nil {
		return nil
	}
	return hbRoot.DeleteBucket(u64key(thread))
}

// BoardAdd indexes a thread on a board at the next bump position and
// returns that position.
func (tx *Tx) BoardAdd(tag string, thread uint64) (uint64, error) {
	bb, err := tx.btx.Bucket(bucketBoards).CreateBucketIfNotExists([]byte(tag))
	if err != nil {
		return 0, err
	}
	ctr, err := bb.NextSequence()
	if err != nil {
		return 0, err
	}
	if err := bb.Put(u64key(ctr), u64key(thread)); err != nil {
		return 0, err
	}
	return ctr, nil
}

// BoardRemove unindexes a thread from a board given its bump position.
func (tx *Tx) BoardRemove(tag string, bumpCtr uint64) error {
	bb := tx.btx.Bucket(bucketBoards).Bucket([]byte(tag))
	if bb == nil {
		return nil
	}
	return bb.Delete(u64key(bumpCtr))
}

// BoardThreads lists up to limit thread nums on a board, most recently
// bumped first. limit <= 0 means all.
func (tx *Tx) BoardThreads(tag string, limit int) ([]uint64, error) {
	bb := tx.btx.Bucket(bucketBoards).Bucket([]byte(tag))
	if bb == nil {
		return nil, nil
	}
	var nums []uint64
	c := bb.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		nums = append(nums, binary.BigEndian.Uint64(v))
		if limit > 0 && len(nums) >= limit {
			break
		}
	}
	return nums, nil
}

// SetIP records a post's origin address on its thread, for the
// moderator overlay only.
func (tx *Tx) SetIP(thread, num uint64, ip string) error {
	ib, err := tx.btx.Bucket(bucketIPs).CreateBucketIfNotExists(u64key(thread))
	if err != nil {
		return err
	}
	return ib.Put(u64key(num), []byte(ip))
}

// IPs returns the thread's post num -> origin address map.
func (tx *Tx) IPs(thread uint64) (map[uint64]string, error) {
	ib := tx.btx.Bucket(bucketIPs).Bucket(u64key(thread))
	if ib == nil {
		return nil, nil
	}
	ips := make(map[uint64]string)
	err := ib.ForEach(func(k, v []byte) error {
		ips[binary.BigEndian.Uint64(k)] = string(v)
		return nil
	})
	return ips, err
}

// DeleteIPs drops a thread's address book.
func (tx *Tx) DeleteIPs(thread uint64) error {
	root := tx.btx.Bucket(bucketIPs)
	if root.Bucket(u64key(thread)) == nil {
		return nil
	}
	return root.DeleteBucket(u64key(thread))
}
