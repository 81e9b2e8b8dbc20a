package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liveboard-dev/liveboard/pkg/cache"
	"github.com/liveboard-dev/liveboard/pkg/config"
	"github.com/liveboard-dev/liveboard/pkg/log"
	"github.com/liveboard-dev/liveboard/pkg/metrics"
	"github.com/liveboard-dev/liveboard/pkg/mux"
	"github.com/liveboard-dev/liveboard/pkg/oplog"
	"github.com/liveboard-dev/liveboard/pkg/session"
	"github.com/liveboard-dev/liveboard/pkg/snapshot"
	"github.com/liveboard-dev/liveboard/pkg/storage"
	"github.com/liveboard-dev/liveboard/pkg/types"
)

// Server is the HTTP front: the websocket sync endpoint, read-only
// JSON snapshot endpoints, and the operational endpoints.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	oplog  *oplog.Log
	index  *cache.Index
	reg    *mux.Registry
	logger zerolog.Logger

	http     *http.Server
	upgrader websocket.Upgrader
}

// NewServer wires the HTTP front over the core components.
func NewServer(cfg *config.Config, store storage.Store, l *oplog.Log, index *cache.Index, reg *mux.Registry) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		oplog:  l,
		index:  index,
		reg:    reg,
		logger: log.WithComponent("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origin policy is the deployment proxy's problem
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	m := http.NewServeMux()
	m.HandleFunc("GET /ws", s.handleWS)
	m.HandleFunc("GET /api/{board}", s.handleBoard)
	m.HandleFunc("GET /api/{board}/{num}", s.handleThread)
	m.Handle("GET /metrics", metrics.Handler())
	m.HandleFunc("GET /healthz", metrics.HealthHandler())
	m.HandleFunc("GET /readyz", metrics.ReadyHandler())

	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: m}
	return s
}

// Handler exposes the route table, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start binds and serves until Stop. Blocks.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	metrics.RegisterComponent("server", true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("listening")

	err = s.http.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	metrics.UpdateComponent("server", false, "shutting down")
	return s.http.Shutdown(ctx)
}

// identFromRequest builds the capability object for a request.
// Authentication itself terminates upstream; this trusts the headers
// the front proxy injects.
func identFromRequest(r *http.Request) types.Ident {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimSpace(ip)
	} else {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	ident := types.Ident{IP: ip, Priv: r.Header.Get("X-Priv")}
	switch r.Header.Get("X-Auth") {
	case "admin":
		ident.Admin = true
		ident.Moderator = true
	case "moderator":
		ident.Moderator = true
	}
	return ident
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ident := identFromRequest(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	conn := newWSConn(ws, s.cfg.PingInterval)
	conn.start()

	sess := session.New(s.cfg, s.oplog, s.index, s.reg, ident, conn)
	metrics.ClientsConnected.Inc()
	s.logger.Debug().Str("client", sess.ID).Str("ip", ident.IP).Msg("connected")

	defer func() {
		sess.Close()
		conn.shutdown()
		metrics.ClientsConnected.Dec()
		s.logger.Debug().Str("client", sess.ID).Msg("disconnected")
	}()

	for {
		data, err := conn.readMessage()
		if err != nil {
			return
		}
		if err := sess.HandleMessage(r.Context(), data); err != nil {
			s.logger.Debug().Str("client", sess.ID).Err(err).Msg("message failed")
			return
		}
	}
}

type threadView struct {
	Status   string        `json:"status"`
	Redirect string        `json:"redirect,omitempty"`
	Ordinal  uint64        `json:"ordinal,omitempty"`
	Root     *types.Post   `json:"root,omitempty"`
	Omitted  int           `json:"omitted,omitempty"`
	Total    int           `json:"total,omitempty"`
	Posts    []*types.Post `json:"posts,omitempty"`
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	board := r.PathValue("board")
	num, err := strconv.ParseUint(r.PathValue("num"), 10, 64)
	if err != nil || !s.cfg.HasBoard(board) {
		http.NotFound(w, r)
		return
	}

	ident := identFromRequest(r)
	opts := snapshot.Options{Redirect: true}
	if r.URL.Query().Get("abbrev") != "" {
		opts.Abbrev = s.cfg.AbbrevReplies
	}
	if r.URL.Query().Get("showdead") != "" {
		opts.ShowDead = true
	}

	res, err := snapshot.NewReader(s.store, ident).GetThread(board, num, opts)
	if err != nil {
		s.logger.Error().Err(err).Uint64("thread", num).Msg("snapshot failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	view := threadView{Ordinal: res.Ordinal}
	switch res.Status {
	case snapshot.StatusNoMatch:
		http.NotFound(w, r)
		return
	case snapshot.StatusRedirect:
		view.Status = "redirect"
		view.Redirect = "/api/" + res.RedirectTag + "/" + strconv.FormatUint(res.RedirectNum, 10)
	case snapshot.StatusOK:
		view.Status = "ok"
		head, _ := res.Next()
		view.Root = head.Root
		view.Omitted = head.Omitted
		view.Total = head.Total
		view.Posts = res.Posts()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(&view)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board := r.PathValue("board")
	if !s.cfg.HasBoard(board) {
		http.NotFound(w, r)
		return
	}

	ident := identFromRequest(r)
	reader := snapshot.NewReader(s.store, ident)
	nums, err := reader.ListBoard(board, s.cfg.ThreadsPerPage)
	if err != nil {
		s.logger.Error().Err(err).Str("board", board).Msg("board listing failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]*threadView, 0, len(nums))
	for _, num := range nums {
		res, err := reader.GetThread(board, num, snapshot.Options{Abbrev: s.cfg.AbbrevReplies})
		if err != nil {
			s.logger.Error().Err(err).Uint64("thread", num).Msg("snapshot failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if res.Status != snapshot.StatusOK {
			continue
		}
		head, _ := res.Next()
		views = append(views, &threadView{
			Status:  "ok",
			Ordinal: res.Ordinal,
			Root:    head.Root,
			Omitted: head.Omitted,
			Total:   head.Total,
			Posts:   res.Posts(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
