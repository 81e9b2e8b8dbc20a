package types

import "errors"

// Error classes used across the core. Not-found and policy denials are
// deliberately indistinguishable to requesters without the capability
// (no existence leak); they still differ internally for logging.
var (
	ErrNotFound    = errors.New("no such thread or post")
	ErrLocked      = errors.New("thread is locked")
	ErrReadOnly    = errors.New("read-only right now")
	ErrBadProtocol = errors.New("bad protocol")
	ErrHistoryGone = errors.New("history expired past watermark")
)
