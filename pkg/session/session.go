package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/liveboard-dev/liveboard/pkg/cache"
	"github.com/liveboard-dev/liveboard/pkg/config"
	"github.com/liveboard-dev/liveboard/pkg/events"
	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/metrics"
	"github.com/liveboard-dev/liveboard/pkg/mux"
	"github.com/liveboard-dev/liveboard/pkg/oplog"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Sender delivers messages to one connected client. The transport
// serializes concurrent Send calls.
type Sender interface {
	Send(msg *types.ServerMessage) error
	Close() error
}

type state int

const (
	stateUnsynced state = iota
	stateSyncing
	stateSynced
	stateDesynced
)

// Session is one client's server-side connection state: its identity,
// its watch set, and its open post. It implements mux.Listener so live
// updates flow straight from subscriptions.
type Session struct {
	ID     string
	Ident  types.Ident
	cfg    *config.Config
	oplog  *oplog.Log
	index  *cache.Index
	reg    *mux.Registry
	sender Sender
	logger zerolog.Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	state      state
	board      string
	watching   map[uint64]*mux.Subscription
	tagSub     *mux.Subscription
	watermarks map[uint64]uint64
	buffered   []types.Event
	openPost   uint64
}

// New creates a session for one accepted connection.
func New(cfg *config.Config, l *oplog.Log, index *cache.Index, reg *mux.Registry, ident types.Ident, sender Sender) *Session {
	id := uuid.NewString()
	return &Session{
		ID:         id,
		Ident:      ident,
		cfg:        cfg,
		oplog:      l,
		index:      index,
		reg:        reg,
		sender:     sender,
		logger:     log.WithClient(id),
		limiter:    rate.NewLimiter(rate.Limit(cfg.PostRate), cfg.PostBurst),
		watching:   make(map[uint64]*mux.Subscription),
		watermarks: make(map[uint64]uint64),
	}
}

// HandleMessage dispatches one inbound client message. A protocol
// violation desyncs the session: the client is told to reload, and the
// connection closes.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) error {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.kotowaru("malformed message")
	}

	var err error
	switch msg.Kind {
	case types.KindSynchronize:
		err = s.synchronize(ctx, msg.Payload)
	case types.KindPing:
		err = s.sender.Send(&types.ServerMessage{Kind: types.KindPing})
	case types.KindInsertPost:
		err = s.insertPost(msg.Payload)
	case types.KindAppendPost:
		err = s.appendPost(msg.Payload)
	case types.KindFinishPost:
		err = s.finishPost()
	case types.KindInsertImage:
		err = s.insertImage(msg.Payload)
	case types.KindReportPost:
		err = s.reportPost(msg.Payload)
	case types.KindDeletePosts, types.KindDeleteThread, types.KindDeleteImages,
		types.KindSpoilerImages, types.KindLockThread, types.KindUnlockThread,
		types.KindMoveThread, types.KindUpdateBanner:
		err = s.moderate(msg.Kind, msg.Payload)
	default:
		return s.kotowaru(fmt.Sprintf("unknown message kind %d", msg.Kind))
	}

	if err == types.ErrBadProtocol {
		return s.kotowaru("protocol violation")
	}
	return err
}

// kotowaru refuses further service: tell the client it is out of sync
// and close. Named after what it does to the client.
func (s *Session) kotowaru(reason string) error {
	s.mu.Lock()
	s.state = stateDesynced
	s.mu.Unlock()

	s.logger.Warn().Str("reason", reason).Msg("desynced client")
	_ = s.sender.Send(&types.ServerMessage{
		Kind:    types.KindInvalid,
		Invalid: &types.InvalidMessage{Reason: reason},
	})
	return s.sender.Close()
}

// synchronize performs the sync handshake: validate the watch set,
// subscribe, replay backlogs, acknowledge, then stream live.
// attach subscribes to a topic and attaches the session as listener.
// A Get can lose the race with an idle teardown and hand back a dying
// subscription; the registry replaces those on the next call.
func (s *Session) attach(ctx context.Context, topic string) (*mux.Subscription, error) {
	for {
		sub := s.reg.Get(topic, s.Ident)
		if err := sub.WhenReady(ctx); err != nil {
			return nil, err
		}
		if sub.Listen(s) {
			return sub, nil
		}
	}
}

func (s *Session) synchronize(ctx context.Context, raw []byte) error {
	var req types.SyncRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return types.ErrBadProtocol
	}
	if !s.cfg.HasBoard(req.Board) {
		return types.ErrBadProtocol
	}
	if req.Board == s.cfg.StaffBoard && !s.Ident.Moderator && !s.Ident.Admin {
		return types.ErrBadProtocol
	}
	if len(req.Watermarks) > s.cfg.ThreadsPerPage {
		return types.ErrBadProtocol
	}

	s.mu.Lock()
	// a resync replaces the old watch set entirely
	s.detachLocked()
	s.state = stateSyncing
	s.board = req.Board
	s.buffered = nil
	s.watermarks = make(map[uint64]uint64)
	s.mu.Unlock()

	metrics.SyncsTotal.Inc()

	var dropped []uint64
	accepted := make(map[uint64]uint64)
	for op, mark := range req.Watermarks {
		if !s.index.ThreadAlive(op) {
			dropped = append(dropped, op)
			continue
		}
		accepted[op] = mark
	}

	// subscribe before reading backlogs so nothing published in between
	// is lost; overlap is resolved by ordinal on flush
	subs := make(map[uint64]*mux.Subscription, len(accepted))
	for op := range accepted {
		sub, err := s.attach(ctx, events.ThreadTopic(op))
		if err != nil {
			metrics.SyncFailures.Inc()
			return err
		}
		subs[op] = sub
	}
	var tagSub *mux.Subscription
	if req.Live {
		sub, err := s.attach(ctx, events.TagTopic(req.Board))
		if err != nil {
			metrics.SyncFailures.Inc()
			return err
		}
		tagSub = sub
	}

	backlog, gone, err := s.oplog.FetchBacklogs(s.Ident, accepted)
	if err != nil {
		metrics.SyncFailures.Inc()
		return err
	}
	for _, op := range gone {
		if sub, ok := subs[op]; ok {
			sub.Unlisten(s)
			delete(subs, op)
		}
		delete(accepted, op)
		dropped = append(dropped, op)
	}
	metrics.SyncDroppedThreads.Add(float64(len(dropped)))

	s.mu.Lock()
	s.watching = subs
	s.tagSub = tagSub
	for op, mark := range accepted {
		s.watermarks[op] = mark
	}
	s.mu.Unlock()

	// the backlog batch, in order, then the ack naming every dropped
	// thread
	for _, ev := range backlog {
		if err := s.sender.Send(types.EventMessage(ev)); err != nil {
			return err
		}
		s.mu.Lock()
		if ev.Ordinal > s.watermarks[ev.Thread] {
			s.watermarks[ev.Thread] = ev.Ordinal
		}
		s.mu.Unlock()
	}
	if err := s.sender.Send(&types.ServerMessage{
		Kind: types.KindSynchronize,
		Ack:  &types.SyncAck{Dropped: dropped},
	}); err != nil {
		return err
	}

	// flush anything that arrived live during the handshake; the
	// ordinal check strips what the backlog already covered
	s.mu.Lock()
	pending := s.buffered
	s.buffered = nil
	s.state = stateSynced
	s.mu.Unlock()

	for _, ev := range pending {
		if err := s.forward(ev); err != nil {
			return err
		}
	}

	s.logger.Debug().Str("board", req.Board).Int("threads", len(accepted)).
		Int("backlog", len(backlog)).Int("dropped", len(dropped)).Msg("synchronized")
	return nil
}

// OnUpdate receives one live event from a subscription.
func (s *Session) OnUpdate(ev types.Event) {
	s.mu.Lock()
	if s.state == stateSyncing {
		s.buffered = append(s.buffered, ev)
		s.mu.Unlock()
		return
	}
	if s.state != stateSynced {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.forward(ev); err != nil {
		s.logger.Debug().Err(err).Msg("send failed")
	}
}

// forward sends one live event unless the ordinal watermark shows the
// client already has it. Live-only events carry no ordinal and always
// go through.
func (s *Session) forward(ev types.Event) error {
	s.mu.Lock()
	if ev.Ordinal != 0 {
		if mark, ok := s.watermarks[ev.Thread]; ok && ev.Ordinal <= mark {
			s.mu.Unlock()
			return nil
		}
		s.watermarks[ev.Thread] = ev.Ordinal
	}

	// a removal that names this client's open post, or kills the whole
	// thread, also closes the post server-side
	switch ev.Kind {
	case types.KindDeleteThread:
		if s.openPost != 0 {
			if op, ok := s.index.OP(s.openPost); !ok || op == ev.Thread {
				s.openPost = 0
			}
		}
		if sub, ok := s.watching[ev.Thread]; ok {
			delete(s.watching, ev.Thread)
			defer sub.Unlisten(s)
		}
	case types.KindDeletePosts:
		var p types.DeletePostsPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			for _, num := range p.Nums {
				if num == s.openPost {
					s.openPost = 0
				}
			}
		}
	}
	s.mu.Unlock()

	return s.sender.Send(types.EventMessage(ev))
}

// OnSinkError means the upstream subscription died under us. The
// client has to resync from its watermarks.
func (s *Session) OnSinkError(target string, err error) {
	s.logger.Warn().Str("target", target).Err(err).Msg("subscription lost")
	_ = s.kotowaru("resync required")
}

func (s *Session) insertPost(raw []byte) error {
	var alloc types.AllocatePayload
	if err := json.Unmarshal(raw, &alloc); err != nil {
		return types.ErrBadProtocol
	}
	s.mu.Lock()
	if s.openPost != 0 || s.state != stateSynced {
		s.mu.Unlock()
		return types.ErrBadProtocol
	}
	board := s.board
	s.mu.Unlock()

	if s.Ident.ReadOnly {
		return types.ErrReadOnly
	}
	if !s.allow(len(alloc.Body) + 1) {
		return types.ErrBadProtocol
	}

	post, err := s.oplog.InsertPost(s.Ident, board, &alloc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if post.Editing {
		s.openPost = post.Num
	}
	s.mu.Unlock()

	// a fresh thread goes straight into the watch set so the client
	// sees replies to it
	if post.IsRoot() {
		if sub, err := s.attach(context.Background(), events.ThreadTopic(post.Num)); err == nil {
			s.mu.Lock()
			s.watching[post.Num] = sub
			s.watermarks[post.Num] = 1 // the insert itself
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *Session) appendPost(raw []byte) error {
	var p types.AppendPostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.ErrBadProtocol
	}
	s.mu.Lock()
	open := s.openPost
	s.mu.Unlock()
	if open == 0 || p.Tail == "" {
		return types.ErrBadProtocol
	}
	if !s.allow(len(p.Tail)) {
		return types.ErrBadProtocol
	}
	timer := metrics.NewTimer()
	_, err := s.oplog.AppendPost(s.Ident, open, p.Tail)
	timer.ObserveDuration(metrics.AppendDuration)
	return err
}

func (s *Session) finishPost() error {
	s.mu.Lock()
	open := s.openPost
	s.openPost = 0
	s.mu.Unlock()
	if open == 0 {
		return types.ErrBadProtocol
	}
	return s.oplog.FinishPost(s.Ident, open)
}

func (s *Session) insertImage(raw []byte) error {
	var p struct {
		Image *types.Image `json:"image"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.ErrBadProtocol
	}
	s.mu.Lock()
	open := s.openPost
	s.mu.Unlock()
	if open == 0 || p.Image == nil {
		return types.ErrBadProtocol
	}
	if !s.allow(1) {
		return types.ErrBadProtocol
	}
	return s.oplog.InsertImage(s.Ident, open, p.Image)
}

func (s *Session) reportPost(raw []byte) error {
	var p types.ReportPostPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.ErrBadProtocol
	}
	if p.Num == 0 {
		return types.ErrBadProtocol
	}
	return s.oplog.ReportPost(s.Ident, p.Num, p.Reason)
}

func (s *Session) moderate(kind types.Kind, raw []byte) error {
	if !s.Ident.Moderator && !s.Ident.Admin {
		return types.ErrBadProtocol
	}
	switch kind {
	case types.KindDeletePosts:
		var p types.DeletePostsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		return s.oplog.RemovePosts(s.Ident, p.Nums)
	case types.KindDeleteThread:
		var p struct {
			Num uint64 `json:"num"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		return s.oplog.RemoveThread(s.Ident, p.Num)
	case types.KindDeleteImages:
		var p types.DeleteImagesPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		return s.oplog.DeleteImages(s.Ident, p.Nums)
	case types.KindSpoilerImages:
		var p types.SpoilerImagesPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		return s.oplog.SpoilerImages(s.Ident, p.Nums)
	case types.KindLockThread, types.KindUnlockThread:
		var p struct {
			Num uint64 `json:"num"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		return s.oplog.SetThreadLock(s.Ident, p.Num, kind == types.KindLockThread)
	case types.KindMoveThread:
		var p struct {
			Num uint64 `json:"num"`
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		if !s.cfg.HasBoard(p.Tag) {
			return types.ErrBadProtocol
		}
		return s.oplog.MoveThread(s.Ident, p.Num, p.Tag)
	case types.KindUpdateBanner:
		if !s.Ident.Admin {
			return types.ErrBadProtocol
		}
		var p types.UpdateBannerPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return types.ErrBadProtocol
		}
		s.mu.Lock()
		board := s.board
		s.mu.Unlock()
		return s.oplog.UpdateBanner(s.Ident, board, p.Message)
	}
	return types.ErrBadProtocol
}

// allow charges n characters against the posting limiter.
func (s *Session) allow(n int) bool {
	if n > s.cfg.PostBurst {
		return false
	}
	return s.limiter.AllowN(time.Now(), n)
}

// Close tears the session down: any open post is sealed so it does not
// linger editable forever, and all subscriptions are released.
func (s *Session) Close() {
	s.mu.Lock()
	open := s.openPost
	s.openPost = 0
	s.detachLocked()
	s.state = stateDesynced
	s.mu.Unlock()

	if open != 0 {
		if err := s.oplog.FinishPost(s.Ident, open); err != nil && err != types.ErrNotFound {
			s.logger.Warn().Err(err).Uint64("num", open).Msg("sealing open post on close")
		}
	}
}

// detachLocked unlistens every subscription. Caller holds s.mu.
func (s *Session) detachLocked() {
	for op, sub := range s.watching {
		sub.Unlisten(s)
		delete(s.watching, op)
	}
	if s.tagSub != nil {
		s.tagSub.Unlisten(s)
		s.tagSub = nil
	}
}
