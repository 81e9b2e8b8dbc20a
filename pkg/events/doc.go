/*
Package events provides the in-memory pub/sub broker that fans mutation
events out to live viewers.

The broker is topic-keyed: one topic per thread, one per board tag, and
one global cache-invalidation topic. Publishing is non-blocking
(buffered main channel); distribution runs on a single loop so publish
order is preserved within a topic, which is what the per-thread
ordering guarantee rests on. Subscribers get their own buffered
channel; one that stops draining is cut (unsubscribed, channel closed)
rather than stalling the loop or being handed a stream with silent
gaps. Consumers treat the close as a signal to resync.

Updates carry the wire event plus an optional per-channel privileged
extra (for the moderator overlay). A single topic serves both public
and privileged listeners; the subscription layer above (pkg/mux)
filters the extra by each listener's overlay channel.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.ThreadTopic(100))
	defer broker.Unsubscribe(sub)

	go func() {
		for update := range sub {
			handle(update)
		}
	}()
*/
package events
