package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"buildcraft.ai/internal/persistence/snapshot"
	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/store"
)

// StateStore keeps room state across relay restarts. Writes may be
// asynchronous; LoadRoom is called once per room from the hub goroutine.
type StateStore interface {
	LoadRoom(room string) ([]model.BuildObject, error)
	PutObject(room string, obj model.BuildObject)
	DeleteObject(room, id string)
}

// Journal records every accepted build frame.
type Journal interface {
	WriteFrame(e JournalEntry) error
}

type JournalEntry struct {
	Time     int64           `json:"t"`
	Room     string          `json:"room"`
	ClientID string          `json:"client_id"`
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Frame    json.RawMessage `json:"frame,omitempty"`
}

type JoinRequest struct {
	Room     string
	Name     string
	ClientID string
	Out      chan []byte
	Resp     chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Err     *protocol.ErrorMsg
}

type LeaveRequest struct {
	Room     string
	ClientID string
	Out      chan []byte
}

// Envelope is one raw frame read from a peer's connection. Out identifies
// the connection so frames from a superseded one are ignored.
type Envelope struct {
	Room     string
	ClientID string
	Out      chan []byte
	Raw      []byte
}

type RoomInfo struct {
	Name    string `json:"name"`
	Peers   int    `json:"peers"`
	Objects int    `json:"objects"`
}

type Options struct {
	Store     StateStore
	Journal   Journal
	Snapshots chan<- snapshot.RoomV1
	Now       func() time.Time
}

var ErrStopped = errors.New("relay hub stopped")

// Hub owns every room. All room state is touched only from the Run goroutine;
// connections talk to it through the Join, Leave and Inbox channels.
type Hub struct {
	cfg  Config
	log  zerolog.Logger
	opts Options

	rooms map[string]*room

	join  chan JoinRequest
	leave chan LeaveRequest
	inbox chan Envelope
	query chan func()
	done  chan struct{}
}

type room struct {
	name  string
	peers map[string]*peer
	state *store.Store
	dirty bool
}

type peer struct {
	id      string
	name    string
	out     chan []byte
	limiter *rate.Limiter
}

func NewHub(cfg Config, log zerolog.Logger, opts Options) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		cfg:   cfg,
		log:   log.With().Str("component", "hub").Logger(),
		opts:  opts,
		rooms: map[string]*room{},
		join:  make(chan JoinRequest, 64),
		leave: make(chan LeaveRequest, 64),
		inbox: make(chan Envelope, cfg.InboxSize),
		query: make(chan func()),
		done:  make(chan struct{}),
	}
}

func (h *Hub) Join() chan<- JoinRequest   { return h.join }
func (h *Hub) Leave() chan<- LeaveRequest { return h.leave }
func (h *Hub) Inbox() chan<- Envelope     { return h.inbox }

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	prune := time.NewTicker(h.cfg.PruneInterval)
	defer prune.Stop()

	var snapC <-chan time.Time
	if h.opts.Snapshots != nil && h.cfg.SnapshotEvery > 0 {
		t := time.NewTicker(h.cfg.SnapshotEvery)
		defer t.Stop()
		snapC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.snapshotAll(true)
			return ctx.Err()
		case req := <-h.join:
			h.handleJoin(req)
		case req := <-h.leave:
			h.handleLeave(req)
		case env := <-h.inbox:
			h.handleFrame(env)
		case fn := <-h.query:
			fn()
		case <-prune.C:
			h.prune()
		case <-snapC:
			h.snapshotAll(false)
		}
	}
}

// do runs fn on the hub goroutine. query is unbuffered, so once the send
// succeeds the hub is already running fn; waiting for it keeps fn's writes
// from racing the caller's reads.
func (h *Hub) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case h.query <- func() { fn(); close(ran) }:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (h *Hub) Rooms(ctx context.Context) ([]RoomInfo, error) {
	var out []RoomInfo
	err := h.do(ctx, func() {
		for _, r := range h.rooms {
			out = append(out, RoomInfo{Name: r.name, Peers: len(r.peers), Objects: r.state.Len()})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// RoomState returns the live objects of name, or false if the room is not loaded.
func (h *Hub) RoomState(ctx context.Context, name string) ([]model.BuildObject, bool, error) {
	var (
		out []model.BuildObject
		ok  bool
	)
	err := h.do(ctx, func() {
		r := h.rooms[name]
		if r == nil {
			return
		}
		ok = true
		out = h.live(r)
	})
	return out, ok, err
}

func (h *Hub) nowMs() int64 { return h.opts.Now().UnixMilli() }

func (h *Hub) room(name string) *room {
	if r := h.rooms[name]; r != nil {
		return r
	}
	r := &room{name: name, peers: map[string]*peer{}, state: store.New(nil)}
	if h.opts.Store != nil {
		objs, err := h.opts.Store.LoadRoom(name)
		if err != nil {
			h.log.Error().Err(err).Str("room", name).Msg("load room state")
		}
		now := h.nowMs()
		for _, o := range objs {
			if o.ExpiredAt(now) {
				continue
			}
			r.state.Upsert(o)
		}
		h.log.Info().Str("room", name).Int("objects", r.state.Len()).Msg("room loaded")
	}
	h.rooms[name] = r
	roomsGauge.Set(float64(len(h.rooms)))
	return r
}

func (h *Hub) live(r *room) []model.BuildObject {
	now := h.nowMs()
	all := r.state.All()
	out := all[:0]
	for _, o := range all {
		if !o.ExpiredAt(now) {
			out = append(out, o)
		}
	}
	return out
}

func (h *Hub) handleJoin(req JoinRequest) {
	r := h.room(req.Room)
	if _, rejoin := r.peers[req.ClientID]; !rejoin && len(r.peers) >= h.cfg.MaxPeersPerRoom {
		rejectedTotal.WithLabelValues(protocol.ErrRoomFull).Inc()
		req.Resp <- JoinResponse{Err: &protocol.ErrorMsg{
			Type:    protocol.TypeError,
			Code:    protocol.ErrRoomFull,
			Message: "room is full",
		}}
		return
	}

	id := req.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	if old := r.peers[id]; old != nil {
		// Same identity rejoining, usually a reconnect that raced its own
		// leave. The new connection takes over; closing the old queue ends
		// the old connection's writer.
		delete(r.peers, id)
		peersGauge.Dec()
		close(old.out)
		h.log.Info().Str("room", r.name).Str("client_id", id).Msg("peer connection replaced")
	}
	name := req.Name
	if name == "" {
		name = "player"
	}
	p := &peer{
		id:      id,
		name:    name,
		out:     req.Out,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), h.cfg.RateBurst),
	}

	h.broadcast(r, protocol.PeerMsg{Type: protocol.TypePeerJoin, Peer: protocol.Peer{ClientID: id, Name: name}})
	r.peers[id] = p
	peersGauge.Inc()

	w := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        id,
		Room:            r.name,
		Peers:           make(map[string]protocol.Peer, len(r.peers)),
		RoomState:       map[string]model.BuildObject{},
	}
	for pid, pp := range r.peers {
		w.Peers[pid] = protocol.Peer{ClientID: pid, Name: pp.name}
	}
	for _, o := range h.live(r) {
		w.RoomState[o.ID] = o
	}
	h.log.Info().Str("room", r.name).Str("client_id", id).Str("name", name).Int("objects", len(w.RoomState)).Msg("peer joined")
	req.Resp <- JoinResponse{Welcome: w}
}

func (h *Hub) handleLeave(req LeaveRequest) {
	r := h.rooms[req.Room]
	if r == nil {
		return
	}
	p := r.peers[req.ClientID]
	// A reconnect may already have taken the id over with a new queue.
	if p == nil || p.out != req.Out {
		return
	}
	delete(r.peers, req.ClientID)
	peersGauge.Dec()
	h.broadcast(r, protocol.PeerMsg{Type: protocol.TypePeerLeave, Peer: protocol.Peer{ClientID: p.id, Name: p.name}})
	h.log.Info().Str("room", r.name).Str("client_id", p.id).Msg("peer left")
}

func (h *Hub) handleFrame(env Envelope) {
	r := h.rooms[env.Room]
	if r == nil {
		return
	}
	p := r.peers[env.ClientID]
	if p == nil || (env.Out != nil && p.out != env.Out) {
		return
	}
	if !p.limiter.Allow() {
		h.reject(p, protocol.ErrRateLimit, "", "rate limited")
		return
	}
	base, err := protocol.DecodeBase(env.Raw)
	if err != nil || !protocol.IsBuildType(base.Type) {
		h.reject(p, protocol.ErrProtoBadRequest, "", "expected a build message")
		return
	}
	msg, mut, err := protocol.DecodeBuild(env.Raw)
	if err != nil {
		var probe struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(env.Raw, &probe)
		h.reject(p, protocol.ErrBadRequest, probe.ID, err.Error())
		return
	}

	switch mut.Op {
	case model.OpDelete:
		if r.state.Remove(mut.ID, h.nowMs()) == store.OutcomeRemoved && h.opts.Store != nil {
			h.opts.Store.DeleteObject(r.name, mut.ID)
		}
	default:
		if r.state.Upsert(mut.Object).Changed() && h.opts.Store != nil {
			if o, ok := r.state.Get(mut.ID); ok {
				h.opts.Store.PutObject(r.name, o)
			}
		}
	}
	r.dirty = true

	msg.ClientID = p.id
	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("encode build frame")
		return
	}
	if h.opts.Journal != nil {
		if err := h.opts.Journal.WriteFrame(JournalEntry{
			Time:     h.nowMs(),
			Room:     r.name,
			ClientID: p.id,
			Type:     msg.Type,
			ID:       msg.ID,
			Frame:    raw,
		}); err != nil {
			h.log.Warn().Err(err).Msg("journal write")
		}
	}
	framesTotal.WithLabelValues(msg.Type).Inc()
	h.fanout(r, raw)
}

func (h *Hub) reject(p *peer, code, id, message string) {
	rejectedTotal.WithLabelValues(code).Inc()
	b, _ := json.Marshal(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message, ID: id})
	if !trySend(p.out, b) {
		slowPeerDropsTotal.Inc()
	}
}

func (h *Hub) broadcast(r *room, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.fanout(r, b)
}

// fanout sends b to every peer in r, sender included.
func (h *Hub) fanout(r *room, b []byte) {
	for _, p := range r.peers {
		if !trySend(p.out, b) {
			slowPeerDropsTotal.Inc()
			h.log.Warn().Str("room", r.name).Str("client_id", p.id).Msg("peer queue full, frame dropped")
		}
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

// prune drops expired objects and old tombstones, and forgets rooms that have
// neither peers nor objects.
func (h *Hub) prune() {
	now := h.nowMs()
	for name, r := range h.rooms {
		for _, id := range r.state.Expired(now) {
			if r.state.Remove(id, now) == store.OutcomeRemoved {
				r.dirty = true
				if h.opts.Store != nil {
					h.opts.Store.DeleteObject(name, id)
				}
			}
		}
		r.state.PruneTombstones(now, h.cfg.TombstoneTTL.Milliseconds())
		if len(r.peers) == 0 && r.state.Len() == 0 {
			if r.dirty {
				h.snapshotRoom(r, now)
			}
			delete(h.rooms, name)
		}
	}
	roomsGauge.Set(float64(len(h.rooms)))
}

func (h *Hub) snapshotAll(force bool) {
	now := h.nowMs()
	for _, r := range h.rooms {
		if r.dirty || force {
			h.snapshotRoom(r, now)
		}
	}
}

func (h *Hub) snapshotRoom(r *room, now int64) {
	if h.opts.Snapshots == nil {
		r.dirty = false
		return
	}
	snap := snapshot.RoomV1{
		Header:  snapshot.Header{Room: r.name, TakenAt: now},
		Objects: h.live(r),
	}
	select {
	case h.opts.Snapshots <- snap:
		r.dirty = false
	default:
		h.log.Warn().Str("room", r.name).Msg("snapshot writer busy, skipping")
	}
}
