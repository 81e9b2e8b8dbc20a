package events

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Topic names. One topic per thread, one per board tag, and one global
// cache-invalidation topic.
func ThreadTopic(num uint64) string {
	return "thread:" + strconv.FormatUint(num, 10)
}

func TagTopic(tag string) string {
	return "tag:" + tag
}

const CacheTopic = "cache"

// Update is what travels the pub/sub layer: the wire event plus any
// per-channel privileged extra. Recipients filter the extra by their
// overlay channel; the public stream never sees it.
type Update struct {
	Event types.Event
	Extra map[string]json.RawMessage
}

// Subscriber is a channel that receives updates for the topics it was
// subscribed to. One subscriber may cover several topics; updates
// arrive on the one channel in publish order across all of them. A
// subscriber that stops draining is unsubscribed and its channel
// closed; consumers treat the close as a signal to resync from their
// watermarks.
type Subscriber chan *Update

// Broker manages topic subscriptions and distribution. The single
// distribution loop preserves publish order, which is what the
// per-thread ordering guarantee rests on.
type Broker struct {
	byTopic map[string]map[Subscriber]bool
	topics  map[Subscriber][]string
	mu      sync.RWMutex
	eventCh chan publication
	stopCh  chan struct{}
}

type publication struct {
	topic  string
	update *Update
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		byTopic: make(map[string]map[Subscriber]bool),
		topics:  make(map[Subscriber][]string),
		eventCh: make(chan publication, 100), // Buffer up to 100 events
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription covering the given topics
func (b *Broker) Subscribe(topics ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	for _, topic := range topics {
		subs := b.byTopic[topic]
		if subs == nil {
			subs = make(map[Subscriber]bool)
			b.byTopic[topic] = subs
		}
		subs[sub] = true
	}
	b.topics[sub] = topics
	return sub
}

// Unsubscribe removes a subscription from all its topics
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topics, ok := b.topics[sub]
	if !ok {
		return
	}
	for _, topic := range topics {
		subs := b.byTopic[topic]
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.byTopic, topic)
		}
	}
	delete(b.topics, sub)
	close(sub)
}

// Publish publishes an update on one topic
func (b *Broker) Publish(topic string, update *Update) {
	select {
	case b.eventCh <- publication{topic: topic, update: update}:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case pub := <-b.eventCh:
			b.broadcast(pub)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(pub publication) {
	b.mu.RLock()
	var stalled []Subscriber
	for sub := range b.byTopic[pub.topic] {
		select {
		case sub <- pub.update:
		default:
			stalled = append(stalled, sub)
		}
	}
	b.mu.RUnlock()

	// Skipping the update would leave a hole in the subscriber's stream
	// that nothing downstream can detect. Cut the subscriber instead;
	// the closed channel forces a watermark resync.
	for _, sub := range stalled {
		b.Unsubscribe(sub)
	}
}
