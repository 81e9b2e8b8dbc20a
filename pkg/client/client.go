package client

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateSynced
	StateDropped
	StateReconnecting
	// StateDesynced is terminal: the server refused further service
	// and the application must rebuild from a fresh snapshot.
	StateDesynced
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateDropped:
		return "dropped"
	case StateReconnecting:
		return "reconnecting"
	case StateDesynced:
		return "desynced"
	default:
		return "unknown"
	}
}

const (
	defaultPingInterval = 25 * time.Second
	baseWait            = 500 * time.Millisecond
	maxWaitShifts       = 12
	// a connection that stays synced this long earns a fresh retry
	// budget
	steadyInterval = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host:8000/ws.
	URL string
	// Board names the board to synchronize against.
	Board string
	// Header is sent with the dial request (auth, forwarded address).
	Header http.Header
	// PingInterval overrides the liveness ping period.
	PingInterval time.Duration

	// OnEvent receives every accepted mutation event, in order, with
	// duplicates already stripped.
	OnEvent func(ev types.Event)
	// OnStateChange observes lifecycle transitions.
	OnStateChange func(s State)
}

// Client maintains a synchronized connection: it dials, performs the
// sync handshake from its watermarks, streams events, and reconnects
// with exponential backoff when the link drops. Every accepted event
// advances the watermark, so a reconnect never replays what the
// application already has.
type Client struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	attempts   int
	online     bool
	watermarks map[uint64]uint64
	ws         *websocket.Conn
	writeMu    sync.Mutex

	stopCh  chan struct{}
	wakeCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// New creates a client. It does not connect until Start.
func New(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Client{
		opts:       opts,
		logger:     log.WithComponent("client"),
		online:     true,
		watermarks: make(map[uint64]uint64),
		stopCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
}

// Watch adds a thread to the sync set from the given watermark
// (zero replays its whole history). If currently connected, a resync
// covering the new set is requested in place.
func (c *Client) Watch(thread, watermark uint64) {
	c.mu.Lock()
	c.watermarks[thread] = watermark
	resync := c.state == StateSynced
	c.mu.Unlock()
	if resync {
		_ = c.sendSync()
	}
}

// Unwatch removes a thread from the sync set.
func (c *Client) Unwatch(thread uint64) {
	c.mu.Lock()
	delete(c.watermarks, thread)
	resync := c.state == StateSynced
	c.mu.Unlock()
	if resync {
		_ = c.sendSync()
	}
}

// Watermark returns the last applied ordinal for a thread.
func (c *Client) Watermark(thread uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermarks[thread]
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start runs the connection loop until Stop or a terminal desync.
func (c *Client) Start() {
	go c.run()
}

// Stop tears the client down.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ws := c.ws
	c.mu.Unlock()

	close(c.stopCh)
	if ws != nil {
		_ = ws.Close()
	}
	<-c.doneCh
}

// SetOnline feeds connectivity hints in. Going offline closes the
// link immediately instead of waiting for a timeout; coming back
// online retries at once with a fresh backoff budget.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	ws := c.ws
	if online && !was {
		c.attempts = 0
	}
	c.mu.Unlock()

	if !online && was && ws != nil {
		_ = ws.Close()
	}
	if online && !was {
		c.wake()
	}
}

func (c *Client) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug().Str("state", s.String()).Msg("state change")
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// backoffWait is the reconnect delay before the given retry attempt.
// It grows every second attempt and caps at about a minute.
func backoffWait(attempts int) time.Duration {
	shifts := attempts / 2
	if shifts > maxWaitShifts {
		shifts = maxWaitShifts
	}
	wait := baseWait
	for i := 0; i < shifts; i++ {
		wait = wait * 3 / 2
	}
	return wait
}

func (c *Client) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		online := c.online
		attempts := c.attempts
		c.mu.Unlock()

		if !online {
			c.setState(StateDisconnected)
			select {
			case <-c.wakeCh:
				continue
			case <-c.stopCh:
				return
			}
		}

		if attempts > 0 {
			c.setState(StateReconnecting)
		} else {
			c.setState(StateConnecting)
		}

		ws, _, err := websocket.DefaultDialer.Dial(c.opts.URL, c.opts.Header)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dial failed")
			if c.waitRetry() {
				return
			}
			continue
		}

		terminal := c.session(ws)
		_ = ws.Close()
		if terminal {
			c.setState(StateDesynced)
			return
		}
		c.setState(StateDropped)
		if c.waitRetry() {
			return
		}
	}
}

// waitRetry sleeps the backoff delay. Returns true when stopped.
func (c *Client) waitRetry() bool {
	c.mu.Lock()
	c.attempts++
	wait := backoffWait(c.attempts)
	c.mu.Unlock()

	select {
	case <-time.After(wait):
		return false
	case <-c.wakeCh:
		return false
	case <-c.stopCh:
		return true
	}
}

// session drives one live connection to completion. Returns true when
// the desync is terminal.
func (c *Client) session(ws *websocket.Conn) bool {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	c.setState(StateSyncing)
	if err := c.sendSync(); err != nil {
		return false
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(ws, stopPing)

	var steady *time.Timer
	defer func() {
		if steady != nil {
			steady.Stop()
		}
	}()

	readWait := c.opts.PingInterval * 5 / 2
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		var msg types.ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return false
		}

		switch {
		case msg.Kind == types.KindInvalid:
			reason := ""
			if msg.Invalid != nil {
				reason = msg.Invalid.Reason
			}
			c.logger.Warn().Str("reason", reason).Msg("server desynced us")
			return true

		case msg.Kind == types.KindSynchronize && msg.Ack != nil:
			c.mu.Lock()
			for _, op := range msg.Ack.Dropped {
				delete(c.watermarks, op)
			}
			c.mu.Unlock()
			c.setState(StateSynced)
			// hold the line for a while before trusting it enough to
			// reset the retry budget
			steady = time.AfterFunc(steadyInterval, func() {
				c.mu.Lock()
				if c.state == StateSynced {
					c.attempts = 0
				}
				c.mu.Unlock()
			})

		case msg.Kind == types.KindPing:
			// reply to our own liveness probe

		case msg.Event != nil:
			c.applyEvent(msg.Event)
		}
	}
}

// applyEvent advances the watermark and hands the event up. Ordinals
// at or below the watermark were already applied from an earlier
// backlog and are dropped.
func (c *Client) applyEvent(ev *types.Event) {
	c.mu.Lock()
	if ev.Ordinal != 0 {
		if mark, ok := c.watermarks[ev.Thread]; ok && ev.Ordinal <= mark {
			c.mu.Unlock()
			return
		}
		c.watermarks[ev.Thread] = ev.Ordinal
	}
	c.mu.Unlock()

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(*ev)
	}
}

func (c *Client) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.send(types.KindPing, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) sendSync() error {
	c.mu.Lock()
	marks := make(map[uint64]uint64, len(c.watermarks))
	for op, mark := range c.watermarks {
		marks[op] = mark
	}
	c.mu.Unlock()

	return c.send(types.KindSynchronize, types.SyncRequest{
		Board:      c.opts.Board,
		Watermarks: marks,
	})
}

// send writes one client message. The websocket permits a single
// concurrent writer.
func (c *Client) send(kind types.Kind, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return websocket.ErrCloseSent
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(types.ClientMessage{Kind: kind, Payload: raw})
}

// InsertPost opens a post (or a thread when alloc.OP is zero).
func (c *Client) InsertPost(alloc *types.AllocatePayload) error {
	return c.send(types.KindInsertPost, alloc)
}

// Append grows this client's open post.
func (c *Client) Append(tail string) error {
	return c.send(types.KindAppendPost, types.AppendPostPayload{Tail: tail})
}

// Finish seals this client's open post.
func (c *Client) Finish() error {
	return c.send(types.KindFinishPost, struct{}{})
}

// ReportPost files a report against a post.
func (c *Client) ReportPost(num uint64, reason string) error {
	return c.send(types.KindReportPost, types.ReportPostPayload{Num: num, Reason: reason})
}
