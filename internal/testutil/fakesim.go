package testutil

import (
	"fmt"
	"sync"

	"github.com/banshee-data/trackbridge/internal/sim"
)

// FakeLane is one lane of a FakeSimulator's network.
type FakeLane struct {
	Edge   string
	Length float64
	Width  float64
	Next   []string
}

// MoveCall records one MoveToXY call.
type MoveCall struct {
	Vehicle   string
	Edge      string
	LaneIndex int
	X, Y      float64
	Angle     float64
	Mode      sim.MoveMode
}

// AddCall records one AddVehicle call.
type AddCall struct {
	Vehicle, Route, Type, Depart string
}

// FakeSimulator is an in-memory simulator. Vehicles that are not present
// fail MoveToXY with sim.ErrVehicleAbsent until they are added. Exported
// error fields script failures; MoveErrs is consumed one entry per move.
type FakeSimulator struct {
	mu sync.Mutex

	Lanes       map[string]FakeLane
	VehicleLane map[string]string
	Present     map[string]bool
	Now         float64
	StepLength  float64

	// RoadToXY maps a road position to network coordinates. Defaults to
	// (pos, -laneIndex*3.2) relative to the edge's origin in EdgeOrigins.
	RoadToXY    func(edge string, pos float64, laneIndex int) (sim.Position, error)
	EdgeOrigins map[string]sim.Position
	// XYToRoad maps network coordinates to a road position. Required for the
	// xy placement mode.
	XYToRoad func(x, y float64) (sim.RoadPosition, error)

	MoveErrs  []error
	AddErr    error
	StepErr   error
	TimeErr   error
	RemoveErr error

	Moves   []MoveCall
	Adds    []AddCall
	Steps   []float64
	Removes []string
	Queries int
}

// NewRingSimulator builds a single-lane ring of edges e0, e1, ... with the
// given lane lengths and places vehicle on the first lane.
func NewRingSimulator(vehicle string, lengths ...float64) *FakeSimulator {
	f := &FakeSimulator{
		Lanes:       map[string]FakeLane{},
		VehicleLane: map[string]string{vehicle: RingLane(0)},
		Present:     map[string]bool{vehicle: true},
		EdgeOrigins: map[string]sim.Position{},
		StepLength:  1,
	}
	for i, l := range lengths {
		f.Lanes[RingLane(i)] = FakeLane{
			Edge:   fmt.Sprintf("e%d", i),
			Length: l,
			Width:  3.2,
			Next:   []string{RingLane((i + 1) % len(lengths))},
		}
	}
	return f
}

// RingLane is the lane ID of the i-th ring segment.
func RingLane(i int) string { return fmt.Sprintf("e%d_0", i) }

func absent(vehicle string) error {
	return fmt.Errorf("vehicle '%s' is not known: %w", vehicle, sim.ErrVehicleAbsent)
}

func (f *FakeSimulator) lane(id string) (FakeLane, error) {
	l, ok := f.Lanes[id]
	if !ok {
		return FakeLane{}, fmt.Errorf("lane '%s' is not known", id)
	}
	return l, nil
}

// LaneLength implements route.Topology.
func (f *FakeSimulator) LaneLength(id string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries++
	l, err := f.lane(id)
	return l.Length, err
}

// SuccessorLanes implements route.Topology.
func (f *FakeSimulator) SuccessorLanes(id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries++
	l, err := f.lane(id)
	return append([]string(nil), l.Next...), err
}

// EdgeOf implements route.Topology.
func (f *FakeSimulator) EdgeOf(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries++
	l, err := f.lane(id)
	return l.Edge, err
}

// LaneWidth returns the lane's width.
func (f *FakeSimulator) LaneWidth(id string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, err := f.lane(id)
	return l.Width, err
}

// CurrentLane returns the lane the vehicle occupies.
func (f *FakeSimulator) CurrentLane(vehicle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Present[vehicle] {
		return "", absent(vehicle)
	}
	return f.VehicleLane[vehicle], nil
}

// ConvertRoadToXY converts a road position to network coordinates.
func (f *FakeSimulator) ConvertRoadToXY(edge string, pos float64, laneIndex int) (sim.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RoadToXY != nil {
		return f.RoadToXY(edge, pos, laneIndex)
	}
	o := f.EdgeOrigins[edge]
	return sim.Position{X: o.X + pos, Y: o.Y - float64(laneIndex)*3.2}, nil
}

// ConvertXYToRoad maps network coordinates to a road position.
func (f *FakeSimulator) ConvertXYToRoad(x, y float64) (sim.RoadPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.XYToRoad == nil {
		return sim.RoadPosition{}, fmt.Errorf("no road near (%v, %v)", x, y)
	}
	return f.XYToRoad(x, y)
}

// MoveToXY implements relocate.Link.
func (f *FakeSimulator) MoveToXY(vehicle, edge string, laneIndex int, x, y, angle float64, mode sim.MoveMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Moves = append(f.Moves, MoveCall{vehicle, edge, laneIndex, x, y, angle, mode})
	if len(f.MoveErrs) > 0 {
		err := f.MoveErrs[0]
		f.MoveErrs = f.MoveErrs[1:]
		if err != nil {
			return err
		}
	}
	if !f.Present[vehicle] {
		return absent(vehicle)
	}
	return nil
}

// AddVehicle implements relocate.Link.
func (f *FakeSimulator) AddVehicle(vehicle, routeID, typeID, depart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Adds = append(f.Adds, AddCall{vehicle, routeID, typeID, depart})
	if f.AddErr != nil {
		return f.AddErr
	}
	f.Present[vehicle] = true
	return nil
}

// RemoveVehicle removes the vehicle.
func (f *FakeSimulator) RemoveVehicle(vehicle string, reason sim.RemoveReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removes = append(f.Removes, vehicle)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if !f.Present[vehicle] {
		return absent(vehicle)
	}
	delete(f.Present, vehicle)
	return nil
}

// CurrentTime implements relocate.Link.
func (f *FakeSimulator) CurrentTime() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Now, f.TimeErr
}

// Step implements relocate.Link. A zero target advances by StepLength.
func (f *FakeSimulator) Step(target float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Steps = append(f.Steps, target)
	if f.StepErr != nil {
		return f.StepErr
	}
	switch {
	case target == 0:
		f.Now += f.StepLength
	case target > f.Now:
		f.Now = target
	}
	return nil
}

// Remove takes vehicle out of the simulation without recording a call, as
// the simulator does when a vehicle leaves the network.
func (f *FakeSimulator) Remove(vehicle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Present, vehicle)
}

// Snapshot returns copies of the recorded calls.
func (f *FakeSimulator) Snapshot() (moves []MoveCall, adds []AddCall, steps []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MoveCall(nil), f.Moves...), append([]AddCall(nil), f.Adds...), append([]float64(nil), f.Steps...)
}
