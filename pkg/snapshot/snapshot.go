package snapshot

import (
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Options controls one snapshot read.
type Options struct {
	// Abbrev > 0 resolves only the last N visible replies into full
	// posts; older ones are represented by the omitted count.
	Abbrev int
	// ShowDead includes soft-deleted content (moderators only).
	ShowDead bool
	// Redirect reports the owning board for a thread that exists but
	// is not tagged under the requested one, instead of no-match.
	Redirect bool
}

// Status distinguishes the non-error outcomes of a read. A missing
// thread is not a failure; it is a fact the caller must act on.
type Status int

const (
	StatusOK Status = iota
	StatusNoMatch
	StatusRedirect
)

// RecordKind tags one record of the snapshot sequence.
type RecordKind int

const (
	RecordThreadBegin RecordKind = iota
	RecordPost
	RecordEnd
)

// Record is one element of the snapshot sequence: a thread header,
// a post, or the end marker.
type Record struct {
	Kind RecordKind

	// RecordThreadBegin
	Root    *types.Post
	Omitted int
	Total   int

	// RecordPost
	Post *types.Post
}

// Result is the outcome of a snapshot read: the status, the ordinal of
// the consistent cut, and a finite, restartable sequence of records.
// Replaying the thread's history from exactly Ordinal reproduces
// everything after this snapshot with no gap or duplicate.
type Result struct {
	Status      Status
	RedirectTag string
	RedirectNum uint64
	Ordinal     uint64

	records []Record
	pos     int
}

// Next returns the next record of the sequence. The second return is
// false once the sequence is exhausted.
func (r *Result) Next() (Record, bool) {
	if r.pos >= len(r.records) {
		return Record{}, false
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, true
}

// Rewind restarts the sequence from the beginning.
func (r *Result) Rewind() {
	r.pos = 0
}

// Posts returns the post records as a slice, consuming the sequence.
func (r *Result) Posts() []*types.Post {
	var posts []*types.Post
	for {
		rec, ok := r.Next()
		if !ok {
			break
		}
		if rec.Kind == RecordPost {
			posts = append(posts, rec.Post)
		}
	}
	return posts
}

// fetchPageSize bounds how many reply records one loop iteration
// resolves.
const fetchPageSize = 20

// Reader produces atomic point-in-time views of threads for one
// identity.
type Reader struct {
	store storage.Store
	ident types.Ident
}

// NewReader creates a snapshot reader bound to an identity. Visibility
// filtering (dead content, privileged posts) follows the identity's
// capabilities; the policy behind those capabilities is external.
func NewReader(store storage.Store, ident types.Ident) *Reader {
	return &Reader{store: store, ident: ident}
}

// GetThread reads one thread under the given board tag. The entire
// read happens inside a single store view transaction, so the result
// is one consistent cut: root, visible replies, merged open bodies,
// and the history ordinal all agree.
func (r *Reader) GetThread(tag string, num uint64, opts Options) (*Result, error) {
	showDead := opts.ShowDead && r.ident.Moderator
	res := &Result{}

	err := r.store.View(func(tx *storage.Tx) error {
		thread, err := tx.Thread(num)
		if err == types.ErrNotFound {
			// maybe they asked for a reply; point at its thread
			if post, perr := tx.Post(num); perr == nil && opts.Redirect {
				if owner, terr := tx.Thread(post.OP); terr == nil && len(owner.Tags) > 0 {
					res.Status = StatusRedirect
					res.RedirectTag = owner.Tags[0]
					res.RedirectNum = post.OP
					return nil
				}
			}
			res.Status = StatusNoMatch
			return nil
		}
		if err != nil {
			return err
		}

		if thread.Hidden && !showDead {
			res.Status = StatusNoMatch
			return nil
		}
		if !thread.HasTag(tag) && !showDead {
			if opts.Redirect && len(thread.Tags) > 0 {
				res.Status = StatusRedirect
				res.RedirectTag = thread.Tags[0]
				res.RedirectNum = num
				return nil
			}
			res.Status = StatusNoMatch
			return nil
		}

		root, err := r.loadPost(tx, num, showDead)
		if err != nil {
			return err
		}
		if root == nil {
			res.Status = StatusNoMatch
			return nil
		}

		// settle the visible reply set under this cut
		visible := make([]uint64, 0, len(thread.Replies))
		for _, rn := range thread.Replies {
			post, err := tx.Post(rn)
			if err == types.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if post.Hidden && !showDead {
				continue
			}
			if !r.ident.CanSeePriv(post.Priv) {
				continue
			}
			visible = append(visible, rn)
		}

		total := len(visible)
		resolve := visible
		omitted := 0
		if opts.Abbrev > 0 && total > opts.Abbrev {
			omitted = total - opts.Abbrev
			resolve = visible[omitted:]
		}

		res.Status = StatusOK
		res.Ordinal = tx.HistoryCtr(num)
		res.records = append(res.records, Record{
			Kind:    RecordThreadBegin,
			Root:    root,
			Omitted: omitted,
			Total:   total,
		})

		// paginated resolve loop with explicit continuation state
		for offset := 0; offset < len(resolve); {
			end := offset + fetchPageSize
			if end > len(resolve) {
				end = len(resolve)
			}
			for _, rn := range resolve[offset:end] {
				post, err := r.loadPost(tx, rn, showDead)
				if err != nil {
					return err
				}
				if post == nil {
					continue
				}
				res.records = append(res.records, Record{Kind: RecordPost, Post: post})
			}
			offset = end
		}

		res.records = append(res.records, Record{Kind: RecordEnd})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// loadPost loads one post with its open body merged in. Posts still
// being composed keep their body in the open store, not the durable
// record.
func (r *Reader) loadPost(tx *storage.Tx, num uint64, showDead bool) (*types.Post, error) {
	post, err := tx.Post(num)
	if err == types.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if post.Hidden && !showDead {
		return nil, nil
	}
	if !r.ident.CanSeePriv(post.Priv) {
		return nil, nil
	}
	if post.Editing {
		if body, ok := tx.Body(num); ok {
			post.Body = body
		}
	}
	return post, nil
}

// ListBoard returns up to limit thread nums on a board, most recently
// bumped first.
func (r *Reader) ListBoard(tag string, limit int) ([]uint64, error) {
	var nums []uint64
	err := r.store.View(func(tx *storage.Tx) error {
		var err error
		nums, err = tx.BoardThreads(tag, limit)
		return err
	})
	return nums, err
}
