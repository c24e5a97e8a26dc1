// Package session wires one client's store, lifecycle, placement, tools and
// relay adapter together and drives them from a single tick goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/replication"
	"buildcraft.ai/internal/sim/ids"
	"buildcraft.ai/internal/sim/lifecycle"
	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
	"buildcraft.ai/internal/sim/store"
	"buildcraft.ai/internal/sim/terrain"
	"buildcraft.ai/internal/sim/tools"
	"buildcraft.ai/internal/sim/tuning"
)

// Link is the relay connection as the session sees it.
type Link interface {
	replication.Relay
	OnMessage(func([]byte))
	OnWelcome(func(protocol.WelcomeMsg))
	OnConnectionChange(func(bool))
}

type Deps struct {
	Tuning    tuning.Tuning
	ClientID  string
	Link      Link
	Renderer  store.Renderer
	Height    terrain.HeightFunc
	Generator tools.Generator
	IDs       tools.IDSource
	Log       zerolog.Logger
}

// StepResult reports what one tick did.
type StepResult struct {
	Committed []model.BuildObject
	Extended  []model.BuildObject
	Moved     []model.BuildObject
	Undone    []string
	Swept     []string
	Drain     replication.DrainResult
	Generated bool
	Errors    []error
}

// Session is a single client. Everything except Input and the link callbacks
// must be used from the goroutine that calls Step (normally Run).
type Session struct {
	Store     *store.Store
	Life      *lifecycle.Manager
	Sync      *replication.Adapter
	Placement *placement.Engine
	Tools     *tools.Toolbox

	clock    *lifecycle.ManualClock
	tickRate int
	reach    float64
	log      zerolog.Logger

	// ctx is Run's context; generate requests inherit it.
	ctx context.Context

	input chan Input
	aim   *placement.Ray
	mods  placement.Modifiers
}

func New(d Deps) (*Session, error) {
	t := d.Tuning
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if d.ClientID == "" {
		return nil, errors.New("session: empty client id")
	}
	log := d.Log.With().Str("client_id", d.ClientID).Logger()

	clock := lifecycle.NewManualClock(time.Now())
	st := store.New(d.Renderer)
	life := lifecycle.NewManager(st, clock, lifecycle.Config{
		Lifespan:            t.Lifespan(),
		InteractionDistance: t.InteractionDistance,
		TombstoneTTL:        t.TombstoneTTL(),
	})

	var relay replication.Relay
	if d.Link != nil {
		relay = d.Link
	}
	sync := replication.New(st, life, relay, log, replication.Config{InboxSize: t.InboxSize})
	sync.SetIdentity(d.ClientID)

	idSrc := d.IDs
	if idSrc == nil {
		idSrc = ids.NewGenerator(d.ClientID)
	}
	box := tools.NewToolbox(
		tools.NewSimpleTool(t.Catalog, t.Placement.RotationSnapDeg, sync, st, idSrc),
		tools.NewAdvancedTool(sync, idSrc, d.Generator, t.GenerateTimeout(), log),
		tools.NewExtender(sync, t.ExtendAmount()),
		log,
	)
	eng := placement.NewEngine(d.Height, st, placement.Config{
		MaxRange:        t.Placement.MaxRange,
		Step:            t.Placement.Step,
		RotationSnapDeg: t.Placement.RotationSnapDeg,
		GridSize:        t.Placement.GridSize,
	})

	s := &Session{
		Store:     st,
		Life:      life,
		Sync:      sync,
		Placement: eng,
		Tools:     box,
		clock:     clock,
		tickRate:  t.TickRateHz,
		reach:     t.InteractionDistance,
		ctx:       context.Background(),
		log:       log.With().Str("component", "session").Logger(),
		input:     make(chan Input, 256),
	}
	if d.Link != nil {
		d.Link.OnMessage(func(raw []byte) {
			if err := sync.Deliver(raw); err != nil {
				s.log.Debug().Err(err).Msg("relay frame after close")
			}
		})
		d.Link.OnWelcome(func(w protocol.WelcomeMsg) {
			if err := sync.DeliverSnapshot(w); err != nil {
				s.log.Debug().Err(err).Msg("welcome after close")
			}
		})
		d.Link.OnConnectionChange(sync.SetConnected)
	}
	return s, nil
}

// Input is the player action queue, drained at the start of every tick.
func (s *Session) Input() chan<- Input { return s.input }

// Submit queues in without blocking and reports whether it fit.
func (s *Session) Submit(in Input) bool {
	select {
	case s.input <- in:
		return true
	default:
		return false
	}
}

func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer s.Sync.Close()
	ticker := time.NewTicker(time.Second / time.Duration(s.tickRate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			res := s.Step(now)
			for _, err := range res.Errors {
				s.log.Warn().Err(err).Msg("input rejected")
			}
		}
	}
}

// Step advances the session to now: player input and placement, then the
// expiry sweep, then relay frames and finished generate requests.
func (s *Session) Step(now time.Time) StepResult {
	s.clock.Set(now)
	var res StepResult

	s.drainInput(&res)
	s.refreshPreview()

	res.Swept = s.Life.Sweep()
	res.Drain = s.Sync.Drain()
	res.Generated = s.Tools.Advanced.Poll()
	return res
}

func (s *Session) drainInput(res *StepResult) {
	for {
		select {
		case in := <-s.input:
			if err := s.handle(in, res); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("%s: %w", in.Kind, err))
			}
		default:
			return
		}
	}
}

func (s *Session) refreshPreview() {
	d, ok := s.Tools.Descriptor()
	if !ok || s.aim == nil {
		s.Placement.Clear()
		return
	}
	s.Placement.Update(*s.aim, d, s.mods)
}

func (s *Session) handle(in Input, res *StepResult) error {
	simple := s.Tools.Simple
	switch in.Kind {
	case InputAim:
		ray := in.Ray
		s.aim = &ray
		s.mods = placement.Modifiers{Snap: in.Snap}
	case InputCommit:
		// The preview may be stale if the aim moved earlier in this tick.
		s.refreshPreview()
		pose, ok := s.Placement.Commit()
		if !ok {
			return ErrNoPreview
		}
		obj, err := s.Tools.Commit(pose)
		if err != nil {
			return err
		}
		res.Committed = append(res.Committed, obj)
	case InputUndo:
		id, err := simple.Undo()
		if err != nil {
			return err
		}
		res.Undone = append(res.Undone, id)
	case InputShape:
		simple.ChangeShape()
	case InputMaterial:
		simple.ChangeMaterial()
	case InputSize:
		simple.ChangeSize()
	case InputRotate:
		simple.Rotate()
	case InputExtend:
		if s.aim == nil {
			return ErrNoPosition
		}
		res.Extended = append(res.Extended, s.Tools.Extend(s.aim.Origin)...)
	case InputMove:
		obj, err := s.move()
		if err != nil {
			return err
		}
		res.Moved = append(res.Moved, obj)
	case InputEvent:
		if _, ok := s.Tools.Fire(in.Event); !ok {
			s.log.Debug().Str("event", string(in.Event)).Str("mode", string(s.Tools.Mode())).Msg("ignored mode event")
		}
	case InputGenerate:
		return s.Tools.Advanced.Generate(s.ctx, in.Prompt)
	case InputAddFeature:
		return s.Tools.Advanced.AddFeature(in.Feature)
	case InputClearFeatures:
		s.Tools.Advanced.ClearFeatures()
	default:
		return fmt.Errorf("unknown input kind %q", in.Kind)
	}
	return nil
}

// move re-poses the player's own object nearest to them onto the current
// preview. The object keeps its scale.
func (s *Session) move() (model.BuildObject, error) {
	if s.aim == nil {
		return model.BuildObject{}, ErrNoPosition
	}
	obj, ok := s.Store.FindNearest(s.aim.Origin, s.reach)
	if !ok {
		return model.BuildObject{}, ErrNothingInReach
	}
	if obj.OwnerID != s.Sync.LocalID() {
		return model.BuildObject{}, fmt.Errorf("%s: %w", obj.ID, ErrNotOwner)
	}
	s.refreshPreview()
	pose, ok := s.Placement.Commit()
	if !ok {
		return model.BuildObject{}, ErrNoPreview
	}
	obj.Transform.Position = pose.Position
	obj.Transform.Rotation = pose.Rotation
	return s.Sync.Update(obj)
}

var (
	ErrNoPreview      = errors.New("nothing to place: no valid preview")
	ErrNoPosition     = errors.New("player position unknown")
	ErrNothingInReach = errors.New("no object within reach")
	ErrNotOwner       = errors.New("object belongs to another player")
)
