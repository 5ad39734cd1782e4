// Package bridge runs a bridging session: it builds the tracked vehicle's
// route once, aligns the external frame to the simulator's, and turns every
// inbound pose record into one relocation and one clock advance.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trackbridge/internal/monitoring"
	"github.com/banshee-data/trackbridge/internal/pose"
	"github.com/banshee-data/trackbridge/internal/relocate"
	"github.com/banshee-data/trackbridge/internal/route"
	"github.com/banshee-data/trackbridge/internal/sim"
	"github.com/banshee-data/trackbridge/internal/timeutil"
)

// ErrInvalidPose is returned for records whose track distance is negative or
// not finite. Such records are skipped without advancing the clock.
var ErrInvalidPose = errors.New("invalid pose")

// Simulator is the simulator control surface a session needs.
type Simulator interface {
	route.Topology
	relocate.Link
	CurrentLane(vehicle string) (string, error)
	LaneWidth(lane string) (float64, error)
	ConvertRoadToXY(edge string, pos float64, laneIndex int) (sim.Position, error)
	ConvertXYToRoad(x, y float64) (sim.RoadPosition, error)
	RemoveVehicle(vehicle string, reason sim.RemoveReason) error
}

// PlacementMode selects how a record's road position is found.
type PlacementMode string

const (
	// PlaceByDistance resolves the record's track distance along the route.
	PlaceByDistance PlacementMode = "distance"
	// PlaceByXY asks the simulator for the road position nearest the
	// transformed coordinates.
	PlaceByXY PlacementMode = "xy"
)

// OriginConfig describes the reference point shared by both frames.
type OriginConfig struct {
	Strategy pose.Strategy
	// Edge, Offset and LaneIndex locate the reference point in the
	// simulator network.
	Edge        string
	Offset      float64
	LaneIndex   int
	HalfWidth   pose.HalfWidthSource
	LateralSign float64
	// External is the reference point in the external frame (fixed strategy).
	External pose.Point
}

// Config configures a Session.
type Config struct {
	Vehicle       string
	SpawnRoute    string
	SpawnType     string
	TickMode      relocate.TickMode
	Placement     PlacementMode
	Origin        OriginConfig
	MaxLanes      int
	RemoveOnClose bool
	StatsInterval time.Duration
	Clock         timeutil.Clock
	Logf          func(format string, v ...interface{})
}

// Session owns everything that lives for one bridging run: the route, the
// origin offset, and the relocator. Records are processed by a single
// goroutine; Stats may be read concurrently.
type Session struct {
	id    string
	cfg   Config
	sim   Simulator
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	route     *route.Route
	aligner   *pose.Aligner
	relocator *relocate.Relocator

	mu    sync.Mutex
	stats Stats
}

// NewSession creates a session for cfg.Vehicle. Start must be called before
// records are processed.
func NewSession(s Simulator, cfg Config) *Session {
	id := uuid.NewString()
	if cfg.Placement == "" {
		cfg.Placement = PlaceByDistance
	}
	if cfg.Origin.Strategy == "" {
		cfg.Origin.Strategy = pose.StrategyFirstTick
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = monitoring.Prefixed(fmt.Sprintf("[session %s]", id[:8]))
	}
	return &Session{
		id:    id,
		cfg:   cfg,
		sim:   s,
		clock: clock,
		logf:  logf,
		relocator: relocate.New(s, relocate.Config{
			Vehicle:    cfg.Vehicle,
			SpawnRoute: cfg.SpawnRoute,
			SpawnType:  cfg.SpawnType,
			TickMode:   cfg.TickMode,
			Logf:       logf,
		}),
		stats: Stats{SessionID: id, Vehicle: cfg.Vehicle},
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Route returns the route built by Start, or nil before it.
func (s *Session) Route() *route.Route { return s.route }

// Start builds the route from the vehicle's current lane and prepares the
// origin alignment. A *route.TopologyError means the session cannot run.
func (s *Session) Start() error {
	lane, err := s.sim.CurrentLane(s.cfg.Vehicle)
	if err != nil {
		return fmt.Errorf("locate vehicle %s: %w", s.cfg.Vehicle, err)
	}
	rt, err := route.Build(lane, s.sim, route.Options{MaxLanes: s.cfg.MaxLanes})
	if err != nil {
		return err
	}
	s.logf("route built from %s: %d lanes, %.2f m", lane, rt.Len(), rt.TotalLength())

	o := s.cfg.Origin
	ref, err := s.sim.ConvertRoadToXY(o.Edge, o.Offset, o.LaneIndex)
	if err != nil {
		return fmt.Errorf("locate origin on edge %s: %w", o.Edge, err)
	}
	var laneHalf float64
	if o.HalfWidth == pose.HalfWidthLane {
		refLane := fmt.Sprintf("%s_%d", o.Edge, o.LaneIndex)
		w, err := s.sim.LaneWidth(refLane)
		if err != nil {
			return fmt.Errorf("width of origin lane %s: %w", refLane, err)
		}
		laneHalf = w / 2
	}
	aligner, err := pose.NewAligner(pose.AlignerConfig{
		Strategy:      o.Strategy,
		External:      o.External,
		Simulator:     pose.Point{X: ref.X, Y: ref.Y},
		HalfWidth:     o.HalfWidth,
		LaneHalfWidth: laneHalf,
		LateralSign:   o.LateralSign,
	})
	if err != nil {
		return fmt.Errorf("origin alignment: %w", err)
	}

	s.route = rt
	s.aligner = aligner
	s.mu.Lock()
	s.stats.Started = s.clock.Now()
	s.stats.RouteLanes = rt.Len()
	s.stats.RouteLength = rt.TotalLength()
	if off, err := aligner.Offset(); err == nil {
		s.stats.Offset = &off
	}
	s.mu.Unlock()
	if off, err := aligner.Offset(); err == nil {
		s.logf("origin offset fixed at dx=%.3f dy=%.3f", off.DX, off.DY)
	}
	return nil
}

// Process handles one record: resolve its placement, relocate the vehicle
// and advance the simulation clock. Invalid poses return ErrInvalidPose and
// leave the simulation untouched. A failed relocation returns the
// *relocate.LinkError after the clock has still been advanced. An advance
// failure is returned only when the simulator link is closed.
func (s *Session) Process(rec pose.Record) (relocate.Placement, error) {
	if s.route == nil {
		return relocate.Placement{}, errors.New("session not started")
	}
	s.mu.Lock()
	s.stats.Records++
	s.mu.Unlock()

	if !rec.Valid() {
		s.mu.Lock()
		s.stats.InvalidPoses++
		s.mu.Unlock()
		return relocate.Placement{}, fmt.Errorf("%w: track distance %v", ErrInvalidPose, rec.TrackDistance)
	}

	if s.aligner.Observe(rec) {
		off, _ := s.aligner.Offset()
		s.logf("origin offset established from first record: dx=%.3f dy=%.3f", off.DX, off.DY)
		s.mu.Lock()
		s.stats.Offset = &off
		s.mu.Unlock()
	}
	off, err := s.aligner.Offset()
	if err != nil {
		return relocate.Placement{}, err
	}

	p, relocErr := s.place(rec, off)
	if relocErr == nil {
		relocErr = s.relocator.Relocate(p)
	}
	advErr := s.relocator.Advance(rec.Time)

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastDistance = rec.TrackDistance
	s.stats.LastPlacement = &p
	if relocErr != nil {
		s.stats.LinkErrors++
	}
	s.mu.Unlock()

	if advErr != nil {
		if errors.Is(advErr, sim.ErrLinkClosed) {
			return p, advErr
		}
		s.logf("advance after record at %.2f m failed: %v", rec.TrackDistance, advErr)
	}
	return p, relocErr
}

func (s *Session) place(rec pose.Record, off pose.Offset) (relocate.Placement, error) {
	xy := off.Apply(rec.Position)
	p := relocate.Placement{X: xy.X, Y: xy.Y, Angle: pose.ConvertHeading(rec.Heading)}

	switch s.cfg.Placement {
	case PlaceByXY:
		rp, err := s.sim.ConvertXYToRoad(xy.X, xy.Y)
		if err != nil {
			return p, &relocate.LinkError{Vehicle: s.cfg.Vehicle, Err: fmt.Errorf("map (%.2f, %.2f) to road: %w", xy.X, xy.Y, err)}
		}
		p.Edge, p.LaneIndex, p.Offset = rp.Edge, rp.LaneIndex, rp.Pos
	default:
		i, offset := s.route.Resolve(rec.TrackDistance)
		seg := s.route.Segment(i)
		p.Lane, p.Edge, p.LaneIndex, p.Offset = seg.ID, seg.Edge, seg.LaneIndex, offset
	}
	return p, nil
}

// Close ends the session, removing the vehicle when configured to.
func (s *Session) Close() error {
	s.LogStats()
	if !s.cfg.RemoveOnClose {
		return nil
	}
	if err := s.sim.RemoveVehicle(s.cfg.Vehicle, sim.RemoveVaporized); err != nil && !errors.Is(err, sim.ErrVehicleAbsent) {
		return fmt.Errorf("remove vehicle %s: %w", s.cfg.Vehicle, err)
	}
	s.logf("vehicle %s removed from simulation", s.cfg.Vehicle)
	return nil
}
