// Package pose holds the per-tick pose record delivered by the external
// driving simulator and the transforms that carry it into the traffic
// simulator's frame: origin alignment and heading convention conversion.
package pose

import (
	"math"
)

// Point is a 2-D point in either frame.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Vec3 is an absolute position in the external frame.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// TrackReference is the first track segment's start edge as seen in the
// external frame: the left and right boundary vertices.
type TrackReference struct {
	Left  Point
	Right Point
}

// HalfWidth is half the lateral distance between the two boundary vertices.
func (r TrackReference) HalfWidth() float64 {
	return math.Abs(r.Left.Y-r.Right.Y) / 2
}

// Record is one tick of external pose data.
type Record struct {
	Vehicle string
	// TrackDistance is the cumulative distance along the external track.
	// Negative values mean the vehicle is not on the track yet.
	TrackDistance float64
	Position      Vec3
	// Heading is in the external convention, degrees, not necessarily
	// normalized.
	Heading float64
	// Time is the external session time in seconds; zero when not supplied.
	Time float64
	// Reference is set when the record carries the track's reference segment.
	Reference *TrackReference
}

// Valid reports whether the record carries a usable track distance.
func (r Record) Valid() bool {
	d := r.TrackDistance
	return d >= 0 && !math.IsNaN(d) && !math.IsInf(d, 0)
}

// Offset aligns the external frame's origin to the simulator frame's origin.
// It is defined as external minus simulator reference, so subtracting it
// from an external point yields simulator coordinates.
type Offset struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// ComputeOriginOffset derives the offset from one reference point known in
// both frames. lateral is the signed correction along the Y axis that
// accounts for the external centre line not coinciding with the simulator's
// placement reference (typically ±half a lane width).
func ComputeOriginOffset(external, simulator Point, lateral float64) Offset {
	return Offset{
		DX: external.X - simulator.X,
		DY: external.Y - simulator.Y - lateral,
	}
}

// Apply maps an external position into the simulator frame.
func (o Offset) Apply(p Vec3) Point {
	return Point{X: p.X - o.DX, Y: p.Y - o.DY}
}

// ConvertHeading converts an external heading (counter-clockwise from east,
// degrees) to the simulator's angle (clockwise from north). The break sits at
// 270 degrees:
//
//	        90°                           0°
//	180°           0°/360°  --->  -90°            90°
//	       270°                       180°/-180°
func ConvertHeading(external float64) float64 {
	if external > 270 {
		return 450 - external
	}
	return 90 - external
}

// YawToHeading converts a yaw in radians to an external heading in degrees,
// folding negative yaws into [0, 360).
func YawToHeading(yaw float64) float64 {
	deg := yaw * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}
