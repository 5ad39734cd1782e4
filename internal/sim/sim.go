// Package sim defines the types shared between the bridge core and the
// simulator link: positions in the simulator frame, road positions, the
// relocation mode, and the errors a link uses to signal well-known failures.
package sim

import "errors"

// ErrVehicleAbsent is returned (wrapped) by a link when the simulator reports
// that the addressed vehicle does not exist, typically because it was
// removed or never spawned.
var ErrVehicleAbsent = errors.New("vehicle not present in simulation")

// ErrLinkClosed is returned (wrapped) when the simulator connection is gone
// and no further command can succeed.
var ErrLinkClosed = errors.New("simulator link closed")

// Position is a point in the simulator's network coordinate frame (meters).
type Position struct {
	X float64
	Y float64
}

// RoadPosition is a position expressed relative to the road network.
type RoadPosition struct {
	Edge      string
	Pos       float64 // offset along the lane, meters
	LaneIndex int
}

// MoveMode selects how the simulator maps a vehicle onto the network when it
// is relocated (TraCI keepRoute).
type MoveMode int8

const (
	// MoveKeepRoute restricts the vehicle to its current route.
	MoveKeepRoute MoveMode = 1
	// MoveExactMap maps the vehicle to the exact network position on the given
	// edge/lane even when it is off-route.
	MoveExactMap MoveMode = 2
)

// RemoveReason is the reason code passed when removing a vehicle.
type RemoveReason int8

const (
	RemoveTeleport  RemoveReason = 0
	RemoveParking   RemoveReason = 1
	RemoveArrived   RemoveReason = 2
	RemoveVaporized RemoveReason = 3
)
