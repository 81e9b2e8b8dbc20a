package storage

import (
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Store is the durable state shared by the mutation log and the
// snapshot reader. All multi-key writes belonging to one logical
// mutation run inside a single Update transaction; snapshot reads run
// inside a single View transaction so the returned state is one
// consistent cut.
type Store interface {
	Update(fn func(tx *Tx) error) error
	View(fn func(tx *Tx) error) error

	// Convenience single-shot reads.
	GetThread(num uint64) (*types.Thread, error)
	GetPost(num uint64) (*types.Post, error)

	Close() error
}
