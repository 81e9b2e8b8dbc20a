/*
Package storage provides the durable store shared by the mutation log
and the snapshot reader, backed by bbolt.

Layout:

	threads          thread num -> thread record (JSON)
	posts            post num   -> post record (JSON)
	bodies           post num   -> in-progress body of an open post
	history/<num>    ordinal    -> serialized event (the replay log)
	boards/<tag>     bump ctr   -> thread num (board ordering index)
	ips/<num>        post num   -> origin address (moderator overlay)

The store exposes closure-scoped transactions (Update/View) rather than
per-operation ones: a logical mutation touches several buckets and must
commit or fail as a whole, and a snapshot must observe a single
consistent cut. bbolt serializes writers, which is what closes the
allocate-post-num / thread-still-open race without explicit locking.

Post numbers come from the posts bucket sequence; board bump positions
from the per-tag bucket sequence; history ordinals from the per-thread
history bucket sequence. The last of these is the thread's history
counter (hctr): it only ever increases, and an event's ordinal is the
counter value after the event was recorded.
*/
package storage
