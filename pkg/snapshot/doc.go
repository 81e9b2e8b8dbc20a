// Package snapshot reads consistent point-in-time views of threads.
//
// A snapshot is produced inside a single store view transaction, so
// the root post, the visible reply set, merged open bodies, and the
// history ordinal form one cut. A client that renders the snapshot and
// then replays the thread's mutation log from the returned ordinal
// sees every later change exactly once.
//
// Missing and relocated threads are reported as statuses, not errors:
// StatusNoMatch when nothing visible exists under the requested board,
// StatusRedirect (when asked for) naming the board that actually owns
// the thread.
package snapshot
