package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/sim/lifecycle"
	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/store"
)

// Relay is the outbound half of the room connection. Publish must not block;
// an error means the frame was not sent and the mutation stays local.
type Relay interface {
	Publish(raw []byte) error
}

type Config struct {
	InboxSize int
}

// Adapter keeps one client's store in step with the room. Local mutations are
// published and applied at once. Relay frames are queued by Deliver from the
// connection goroutine and applied on the tick by Drain, so the store and the
// renderer only ever see mutations from the tick goroutine.
type Adapter struct {
	store *store.Store
	life  *lifecycle.Manager
	relay Relay
	log   zerolog.Logger

	localID   atomic.Value // string
	connected atomic.Bool

	inbox  chan inbound
	closed chan struct{}
	once   sync.Once

	peersMu sync.Mutex
	peers   map[string]protocol.Peer
}

type inbound struct {
	raw     []byte
	welcome *protocol.WelcomeMsg
}

// DrainResult counts what one Drain call did.
type DrainResult struct {
	Applied   int
	Echoes    int
	Dropped   int
	Snapshots int
}

var (
	ErrClosed        = errors.New("replication adapter closed")
	ErrUnknownObject = errors.New("unknown object")

	errPeerWithoutID = errors.New("peer message without clientId")
)

func New(s *store.Store, life *lifecycle.Manager, relay Relay, log zerolog.Logger, cfg Config) *Adapter {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	a := &Adapter{
		store:  s,
		life:   life,
		relay:  relay,
		log:    log.With().Str("component", "sync").Logger(),
		inbox:  make(chan inbound, cfg.InboxSize),
		closed: make(chan struct{}),
		peers:  map[string]protocol.Peer{},
	}
	a.localID.Store("")
	return a
}

// SetIdentity records the client id this process publishes under. Frames
// stamped with it are echoes and are dropped on receipt.
func (a *Adapter) SetIdentity(clientID string) { a.localID.Store(clientID) }

func (a *Adapter) LocalID() string { return a.localID.Load().(string) }

// SetConnected toggles publishing. While disconnected local mutations still
// apply locally but are not queued for later delivery.
func (a *Adapter) SetConnected(ok bool) {
	if a.connected.Swap(ok) != ok {
		a.log.Info().Bool("connected", ok).Msg("relay connection changed")
	}
}

func (a *Adapter) Connected() bool { return a.connected.Load() }

func (a *Adapter) Peers() []protocol.Peer {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	out := make([]protocol.Peer, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Create publishes and applies a new object. CreatedAt and ExpiresAt are
// stamped from the local clock when the caller left them zero.
func (a *Adapter) Create(obj model.BuildObject) (model.BuildObject, error) {
	if obj.CreatedAt == 0 {
		obj = a.life.Stamp(obj)
	}
	if err := obj.Validate(); err != nil {
		return model.BuildObject{}, fmt.Errorf("create %s: %w", obj.ID, err)
	}
	if _, err := a.local(model.Create(obj)); err != nil {
		return model.BuildObject{}, fmt.Errorf("create %s: %w", obj.ID, err)
	}
	return obj, nil
}

// Update publishes and applies a replacement for an existing object. The
// store keeps the later of the two expiries, so an update never shortens an
// object's life; the returned object is the one now in the store.
func (a *Adapter) Update(obj model.BuildObject) (model.BuildObject, error) {
	if _, ok := a.store.Get(obj.ID); !ok {
		return model.BuildObject{}, fmt.Errorf("update %s: %w", obj.ID, ErrUnknownObject)
	}
	if err := obj.Validate(); err != nil {
		return model.BuildObject{}, fmt.Errorf("update %s: %w", obj.ID, err)
	}
	if _, err := a.local(model.Update(obj)); err != nil {
		return model.BuildObject{}, fmt.Errorf("update %s: %w", obj.ID, err)
	}
	cur, _ := a.store.Get(obj.ID)
	return cur, nil
}

func (a *Adapter) Delete(id string) store.Outcome {
	out, err := a.local(model.Delete(id))
	if err != nil {
		a.log.Warn().Err(err).Str("id", id).Msg("delete refused")
	}
	return out
}

// Extend pushes id's expiry out by amount. It reports false if id is unknown.
func (a *Adapter) Extend(id string, amount time.Duration) (model.BuildObject, bool) {
	obj, ok := a.life.Extend(id, amount)
	if !ok {
		return model.BuildObject{}, false
	}
	if _, err := a.local(model.Extend(obj)); err != nil {
		a.log.Warn().Err(err).Str("id", id).Msg("extend refused")
		return model.BuildObject{}, false
	}
	return obj, true
}

// ExtendNearby extends every object within interaction distance of pos.
func (a *Adapter) ExtendNearby(pos model.Vec3, amount time.Duration) []model.BuildObject {
	var out []model.BuildObject
	for _, o := range a.life.Extendable(pos) {
		if ext, ok := a.Extend(o.ID, amount); ok {
			out = append(out, ext)
		}
	}
	return out
}

// local publishes m and applies it. The frame is encoded and checked against
// the build schema first; a mutation peers would drop is not applied here
// either.
func (a *Adapter) local(m model.Mutation) (store.Outcome, error) {
	raw, err := encode(m)
	if err != nil {
		return store.OutcomeUnchanged, err
	}
	a.publish(m, raw)
	return a.apply(m, "local"), nil
}

func encode(m model.Mutation) ([]byte, error) {
	raw, err := json.Marshal(protocol.NewBuildMsg(m))
	if err != nil {
		return nil, fmt.Errorf("encode build message: %w", err)
	}
	if _, _, err := protocol.DecodeBuild(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (a *Adapter) publish(m model.Mutation, raw []byte) {
	if a.relay == nil {
		publishSkippedTotal.WithLabelValues("offline").Inc()
		return
	}
	if !a.connected.Load() {
		publishSkippedTotal.WithLabelValues("disconnected").Inc()
		a.log.Debug().Str("op", string(m.Op)).Str("id", m.ID).Msg("not connected, mutation stays local")
		return
	}
	if err := a.relay.Publish(raw); err != nil {
		publishSkippedTotal.WithLabelValues("send").Inc()
		a.log.Warn().Err(err).Str("op", string(m.Op)).Str("id", m.ID).Msg("publish failed")
		return
	}
	publishedTotal.WithLabelValues(string(m.Op)).Inc()
}

// apply is the single path by which mutations reach the store.
func (a *Adapter) apply(m model.Mutation, origin string) store.Outcome {
	var out store.Outcome
	switch m.Op {
	case model.OpCreate, model.OpUpdate, model.OpExtend:
		// Upsert keeps the later expiry, so a stale extend can never shorten
		// an object's life.
		out = a.store.Upsert(m.Object)
	case model.OpDelete:
		out = a.store.Remove(m.ID, a.life.NowMs())
	default:
		return store.OutcomeUnchanged
	}
	appliedTotal.WithLabelValues(origin, out.String()).Inc()
	return out
}

// Deliver queues one raw relay frame for the next Drain. It blocks while the
// inbox is full and returns ErrClosed once the adapter is closed.
func (a *Adapter) Deliver(raw []byte) error {
	return a.enqueue(inbound{raw: raw})
}

// DeliverSnapshot queues a WELCOME. Drain installs its identity and peers and
// upserts every object in its room state.
func (a *Adapter) DeliverSnapshot(w protocol.WelcomeMsg) error {
	return a.enqueue(inbound{welcome: &w})
}

func (a *Adapter) enqueue(in inbound) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	select {
	case a.inbox <- in:
		return nil
	case <-a.closed:
		return ErrClosed
	}
}

// Close unblocks pending Deliver calls. Frames already queued are discarded.
func (a *Adapter) Close() {
	a.once.Do(func() { close(a.closed) })
}

// Drain applies every queued frame. It never blocks.
func (a *Adapter) Drain() DrainResult {
	var res DrainResult
	for {
		select {
		case in := <-a.inbox:
			if in.welcome != nil {
				res.Applied += a.installSnapshot(*in.welcome)
				res.Snapshots++
				continue
			}
			a.handle(in.raw, &res)
		default:
			return res
		}
	}
}

func (a *Adapter) handle(raw []byte, res *DrainResult) {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		a.drop(res, err, raw)
		return
	}
	switch {
	case protocol.IsBuildType(base.Type):
		msg, mut, err := protocol.DecodeBuild(raw)
		if err != nil {
			a.drop(res, err, raw)
			return
		}
		if msg.ClientID != "" && msg.ClientID == a.LocalID() {
			echoesSuppressedTotal.Inc()
			res.Echoes++
			return
		}
		if a.apply(mut, "remote").Changed() {
			res.Applied++
		}
	case base.Type == protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(raw, &w); err != nil {
			a.drop(res, err, raw)
			return
		}
		res.Applied += a.installSnapshot(w)
		res.Snapshots++
	case base.Type == protocol.TypePeerJoin || base.Type == protocol.TypePeerLeave:
		var pm protocol.PeerMsg
		if err := json.Unmarshal(raw, &pm); err != nil {
			a.drop(res, fmt.Errorf("peer message: %w", err), raw)
			return
		}
		if pm.Peer.ClientID == "" {
			a.drop(res, errPeerWithoutID, raw)
			return
		}
		a.peersMu.Lock()
		if base.Type == protocol.TypePeerJoin {
			a.peers[pm.Peer.ClientID] = pm.Peer
		} else {
			delete(a.peers, pm.Peer.ClientID)
		}
		a.peersMu.Unlock()
	case base.Type == protocol.TypeError:
		var em protocol.ErrorMsg
		if err := json.Unmarshal(raw, &em); err != nil {
			a.drop(res, fmt.Errorf("error message: %w", err), raw)
			return
		}
		a.log.Warn().Str("code", em.Code).Str("id", em.ID).Msg(em.Message)
	default:
		a.drop(res, fmt.Errorf("unknown message type %q", base.Type), raw)
	}
}

func (a *Adapter) drop(res *DrainResult, err error, raw []byte) {
	malformedTotal.Inc()
	res.Dropped++
	n := len(raw)
	if n > 256 {
		n = 256
	}
	a.log.Warn().Err(err).Str("frame", string(raw[:n])).Msg("dropping malformed frame")
}

func (a *Adapter) installSnapshot(w protocol.WelcomeMsg) int {
	if w.ClientID != "" {
		a.SetIdentity(w.ClientID)
	}
	a.peersMu.Lock()
	a.peers = make(map[string]protocol.Peer, len(w.Peers))
	for id, p := range w.Peers {
		if id != w.ClientID {
			a.peers[id] = p
		}
	}
	a.peersMu.Unlock()

	ids := make([]string, 0, len(w.RoomState))
	for id := range w.RoomState {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	applied := 0
	for _, id := range ids {
		obj := w.RoomState[id]
		if obj.ID == "" {
			obj.ID = id
		}
		if err := obj.Validate(); err != nil {
			malformedTotal.Inc()
			a.log.Warn().Err(err).Str("id", id).Msg("skipping invalid snapshot object")
			continue
		}
		if a.apply(model.Create(obj), "snapshot").Changed() {
			applied++
		}
	}
	expired := a.life.Sweep()
	a.log.Info().
		Str("client_id", w.ClientID).
		Str("room", w.Room).
		Int("objects", len(ids)).
		Int("applied", applied).
		Int("expired", len(expired)).
		Int("peers", len(w.Peers)).
		Msg("room snapshot installed")
	return applied
}
