// Package relocate moves the tracked vehicle to its resolved placement in the
// simulator and advances the simulation clock once per processed record.
package relocate

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/banshee-data/trackbridge/internal/monitoring"
	"github.com/banshee-data/trackbridge/internal/sim"
)

// Link is the subset of the simulator control API the relocator drives.
type Link interface {
	MoveToXY(vehicle, edge string, laneIndex int, x, y, angle float64, mode sim.MoveMode) error
	AddVehicle(vehicle, routeID, typeID, depart string) error
	CurrentTime() (float64, error)
	Step(target float64) error
}

// TickMode selects how the simulation clock advances after each record.
type TickMode string

const (
	// TickStep advances by one discrete simulation step.
	TickStep TickMode = "step"
	// TickElapsed advances the simulation to the record's session time.
	TickElapsed TickMode = "elapsed"
)

// Placement is where the tracked vehicle should be put for one tick.
type Placement struct {
	Lane      string  `json:"lane,omitempty"`
	Edge      string  `json:"edge"`
	LaneIndex int     `json:"lane_index"`
	Offset    float64 `json:"offset"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Angle     float64 `json:"angle"`
}

// LinkError is returned when relocation failed and the recovery protocol is
// exhausted.
type LinkError struct {
	Vehicle   string
	Edge      string
	LaneIndex int
	Respawned bool
	Err       error
}

func (e *LinkError) Error() string {
	state := "attempt"
	if e.Respawned {
		state = "retry after respawn"
	}
	return fmt.Sprintf("relocate %s to edge %q lane %d failed (%s): %v", e.Vehicle, e.Edge, e.LaneIndex, state, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Config configures a Relocator.
type Config struct {
	Vehicle string
	// SpawnRoute and SpawnType are used when the vehicle has to be re-added.
	SpawnRoute string
	SpawnType  string
	Mode       sim.MoveMode
	TickMode   TickMode
	Logf       func(format string, v ...interface{})
}

// Relocator relocates a single vehicle. It is not safe for concurrent use;
// counters may be read concurrently.
type Relocator struct {
	link       Link
	vehicle    string
	spawnRoute string
	spawnType  string
	mode       sim.MoveMode
	tickMode   TickMode
	logf       func(format string, v ...interface{})

	attempts atomic.Int64
	respawns atomic.Int64
	failures atomic.Int64
	advances atomic.Int64
}

// New creates a Relocator for cfg.Vehicle driving link.
func New(link Link, cfg Config) *Relocator {
	mode := cfg.Mode
	if mode == 0 {
		mode = sim.MoveExactMap
	}
	tickMode := cfg.TickMode
	if tickMode == "" {
		tickMode = TickStep
	}
	logf := cfg.Logf
	if logf == nil {
		logf = monitoring.Logf
	}
	return &Relocator{
		link:       link,
		vehicle:    cfg.Vehicle,
		spawnRoute: cfg.SpawnRoute,
		spawnType:  cfg.SpawnType,
		mode:       mode,
		tickMode:   tickMode,
		logf:       logf,
	}
}

// Relocate moves the vehicle to p. If the simulator reports the vehicle as
// absent, the vehicle is spawned at the current simulation time and the move
// is retried exactly once.
func (r *Relocator) Relocate(p Placement) error {
	r.attempts.Add(1)
	err := r.move(p)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sim.ErrVehicleAbsent) {
		r.failures.Add(1)
		return &LinkError{Vehicle: r.vehicle, Edge: p.Edge, LaneIndex: p.LaneIndex, Err: err}
	}

	r.logf("[relocate] vehicle %s absent (%v), respawning on route %q", r.vehicle, err, r.spawnRoute)
	if err := r.respawn(); err != nil {
		r.failures.Add(1)
		return &LinkError{Vehicle: r.vehicle, Edge: p.Edge, LaneIndex: p.LaneIndex, Respawned: true, Err: fmt.Errorf("respawn: %w", err)}
	}
	r.respawns.Add(1)

	if err := r.move(p); err != nil {
		r.failures.Add(1)
		return &LinkError{Vehicle: r.vehicle, Edge: p.Edge, LaneIndex: p.LaneIndex, Respawned: true, Err: err}
	}
	return nil
}

func (r *Relocator) move(p Placement) error {
	return r.link.MoveToXY(r.vehicle, p.Edge, p.LaneIndex, p.X, p.Y, p.Angle, r.mode)
}

func (r *Relocator) respawn() error {
	now, err := r.link.CurrentTime()
	if err != nil {
		return fmt.Errorf("current time: %w", err)
	}
	depart := strconv.FormatFloat(now, 'f', -1, 64)
	return r.link.AddVehicle(r.vehicle, r.spawnRoute, r.spawnType, depart)
}

// Advance moves the simulation clock forward for one processed record.
// recordTime is the record's session time in seconds (zero if unknown).
func (r *Relocator) Advance(recordTime float64) error {
	target := 0.0
	if r.tickMode == TickElapsed && recordTime > 0 {
		target = recordTime
	}
	if err := r.link.Step(target); err != nil {
		return fmt.Errorf("advance simulation to %v: %w", target, err)
	}
	r.advances.Add(1)
	return nil
}

// Counters is a snapshot of relocation activity.
type Counters struct {
	Attempts int64 `json:"attempts"`
	Respawns int64 `json:"respawns"`
	Failures int64 `json:"failures"`
	Advances int64 `json:"advances"`
}

// Counters returns the current counters.
func (r *Relocator) Counters() Counters {
	return Counters{
		Attempts: r.attempts.Load(),
		Respawns: r.respawns.Load(),
		Failures: r.failures.Load(),
		Advances: r.advances.Load(),
	}
}
