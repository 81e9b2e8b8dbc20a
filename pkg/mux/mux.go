package mux

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/metrics"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Listener receives the updates of one subscription target. Sessions
// implement this.
type Listener interface {
	OnUpdate(ev types.Event)
	OnSinkError(target string, err error)
}

// FullKey disambiguates public and privileged visibility of the same
// target: listeners with an overlay channel share an upstream
// subscription keyed by channel+target, everyone else by target alone.
func FullKey(target string, ident types.Ident) (key, channel string) {
	channel = ident.Channel()
	if channel != "" {
		return channel + ":" + target, channel
	}
	return target, ""
}

// Registry deduplicates subscriptions: one upstream subscribe per
// distinct full key, shared by any number of local listeners.
type Registry struct {
	broker      *events.Broker
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// ErrSubscriptionLost is reported to listeners when the upstream
// channel fails underneath them.
var ErrSubscriptionLost = errors.New("subscription lost")

// NewRegistry creates a subscription registry over the broker.
// idleTimeout is how long an unused subscription lingers before its
// upstream channel is torn down; brief churn (a client flipping pages)
// must not cost a resubscribe.
func NewRegistry(broker *events.Broker, idleTimeout time.Duration) *Registry {
	return &Registry{
		broker:      broker,
		idleTimeout: idleTimeout,
		logger:      log.WithComponent("mux"),
		subs:        make(map[string]*Subscription),
	}
}

// Get returns the subscription for (target, ident), creating it if no
// live one exists. Callers must wait on WhenReady before considering
// themselves synced, then Listen, and Unlisten when done.
func (r *Registry) Get(target string, ident types.Ident) *Subscription {
	key, channel := FullKey(target, ident)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok {
		sub.mu.Lock()
		dead := sub.dead
		sub.mu.Unlock()
		if !dead {
			return sub
		}
		// caught mid-teardown: its remove will no longer match the map
		// entry once we overwrite it, so settle its count here
		metrics.SubscriptionsActive.Dec()
	}

	topics := []string{target}
	if channel != "" {
		topics = append(topics, key)
	}
	sub := &Subscription{
		reg:       r,
		fullKey:   key,
		target:    target,
		channel:   channel,
		listeners: make(map[Listener]bool),
		ready:     make(chan struct{}),
	}
	sub.upstream = r.broker.Subscribe(topics...)
	r.subs[key] = sub
	metrics.SubscriptionsActive.Inc()

	go sub.run()
	// the in-process subscribe handshake completes synchronously;
	// callers still gate on readiness so a remote broker could slot in
	close(sub.ready)

	return sub
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[sub.fullKey] == sub {
		delete(r.subs, sub.fullKey)
		metrics.SubscriptionsActive.Dec()
	}
}

// Active returns the number of live subscriptions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Subscription is one upstream subscribe shared by local listeners.
type Subscription struct {
	reg     *Registry
	fullKey string
	target  string
	channel string

	upstream events.Subscriber
	ready    chan struct{}
	readyErr error

	mu        sync.Mutex
	listeners map[Listener]bool
	idleTimer *time.Timer
	dead      bool
}

// Target returns the logical target this subscription covers.
func (s *Subscription) Target() string {
	return s.target
}

// WhenReady blocks until the upstream subscribe handshake completed
// for all channels composing the target. Events published during the
// handshake window would otherwise be missed.
func (s *Subscription) WhenReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen attaches a listener and cancels any pending idle teardown.
// It reports false if the subscription died between Get and Listen;
// the caller must fetch a fresh one from the registry.
func (s *Subscription) Listen(l Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.listeners[l] = true
	return true
}

// Unlisten detaches a listener. When the last one leaves, the
// subscription is not torn down immediately: an idle timer starts, and
// only if still unused when it fires does the upstream unsubscribe
// happen.
func (s *Subscription) Unlisten(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
	if len(s.listeners) > 0 || s.dead {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.reg.idleTimeout, s.idleOut)
}

func (s *Subscription) idleOut() {
	s.mu.Lock()
	if len(s.listeners) > 0 || s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.mu.Unlock()

	s.reg.remove(s)
	s.reg.broker.Unsubscribe(s.upstream)
	s.reg.logger.Debug().Str("target", s.fullKey).Msg("idled out")
}

func (s *Subscription) run() {
	for update := range s.upstream {
		ev := update.Event
		if s.channel == "" && ev.Priv != "" {
			// privileged event leaked onto a public key; drop
			continue
		}
		if extra, ok := update.Extra[s.channel]; ok && s.channel != "" {
			ev = injectExtra(ev, extra)
		}
		s.deliver(ev)
	}

	// upstream closed: either our own idle teardown, or a broker
	// failure. Listeners decide how to resync.
	s.mu.Lock()
	alreadyDead := s.dead
	s.dead = true
	ls := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.listeners = make(map[Listener]bool)
	s.mu.Unlock()

	if alreadyDead {
		return
	}
	s.reg.remove(s)
	for _, l := range ls {
		l.OnSinkError(s.target, ErrSubscriptionLost)
	}
}

func (s *Subscription) deliver(ev types.Event) {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l.OnUpdate(ev)
	}
}

// injectExtra merges a privileged extra into the event payload by
// structure, not by splicing serialized text. Only post inserts carry
// an overlay field today (the origin address).
func injectExtra(ev types.Event, extra json.RawMessage) types.Event {
	if ev.Kind != types.KindInsertPost {
		return ev
	}
	var p types.InsertPostPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ev
	}
	var fields struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(extra, &fields); err != nil || fields.IP == "" {
		return ev
	}
	p.IP = fields.IP
	data, err := json.Marshal(&p)
	if err != nil {
		return ev
	}
	ev.Payload = data
	return ev
}
