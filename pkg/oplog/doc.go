/*
Package oplog implements the mutation log: the single write path for
every change to a thread.

Each mutation runs as one all-or-nothing store transaction that applies
the state deltas, appends the serialized event to the thread's history,
and advances the history counter. Only after commit does the same event
go out on the thread's channel, on every board channel the thread
belongs to, and (for cache-relevant kinds) on the global cache channel. A failed transaction publishes nothing; the caller treats the
write as not-happened and drops any provisional state.

Only replayable kinds are logged; administrative kinds (thread moves,
banner updates) are published live-only because replay consumers learn
their effect through the cache channel instead.

The writer mutex spans commit and publish, so the order events appear
on a thread's channel always matches their ordinal order. Without it,
two writers could commit in one order and publish in the other, and a
client tailing the channel would observe a gap it can never fill.

FetchBacklogs is the replay half: given a client's per-thread
watermarks it returns every missed event exactly once, ascending per
thread, with moderator-only fields merged structurally into historical
insert events for privileged readers.
*/
package oplog
