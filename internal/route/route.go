// Package route discovers the cyclic lane path a tracked vehicle drives in
// the simulator network and maps scalar track distances onto it.
package route

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// DefaultMaxLanes bounds the lane walk when no explicit limit is configured.
const DefaultMaxLanes = 10000

// Topology is the read-only view of the simulator's lane graph needed to
// build a route.
type Topology interface {
	LaneLength(laneID string) (float64, error)
	SuccessorLanes(laneID string) ([]string, error)
	EdgeOf(laneID string) (string, error)
}

// Segment is one traversable lane of the route.
type Segment struct {
	ID        string  `json:"id"`
	Edge      string  `json:"edge"`
	LaneIndex int     `json:"lane_index"`
	Length    float64 `json:"length"`
}

// Route is the ordered, cyclic sequence of lanes forming the tracked
// vehicle's loop. It is immutable once built.
type Route struct {
	segments   []Segment
	cumulative []float64
}

// TopologyError reports a lane graph that cannot be turned into a route.
type TopologyError struct {
	Lane   string
	Reason string
	Err    error
}

func (e *TopologyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("topology error at lane %q: %s: %v", e.Lane, e.Reason, e.Err)
	}
	return fmt.Sprintf("topology error at lane %q: %s", e.Lane, e.Reason)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// IsTopologyError reports whether err is or wraps a *TopologyError.
func IsTopologyError(err error) bool {
	var te *TopologyError
	return errors.As(err, &te)
}

// Options tunes the lane walk.
type Options struct {
	// MaxLanes caps the number of segments. Zero means DefaultMaxLanes.
	MaxLanes int
}

// Build walks the lane graph from start, following the single successor of
// each lane, until the walk returns to start. Every lane must have exactly
// one successor; anything else is reported as a *TopologyError rather than
// silently picking the first link.
func Build(start string, topo Topology, opts Options) (*Route, error) {
	if start == "" {
		return nil, &TopologyError{Reason: "empty start lane"}
	}
	maxLanes := opts.MaxLanes
	if maxLanes <= 0 {
		maxLanes = DefaultMaxLanes
	}

	visited := map[string]bool{}
	var segments []Segment
	lane := start
	for {
		if len(segments) >= maxLanes {
			return nil, &TopologyError{Lane: lane, Reason: fmt.Sprintf("no cycle closure within %d lanes", maxLanes)}
		}
		seg, err := segmentFor(lane, topo)
		if err != nil {
			return nil, err
		}
		visited[lane] = true
		segments = append(segments, seg)

		next, err := successor(lane, topo)
		if err != nil {
			return nil, err
		}
		if next == start {
			break
		}
		if visited[next] {
			return nil, &TopologyError{Lane: lane, Reason: fmt.Sprintf("successor %q revisits the path without returning to %q", next, start)}
		}
		lane = next
	}

	return newRoute(segments), nil
}

// New builds a route directly from known segments. It is used when the
// topology is already known (tests, replays) and applies the same length
// validation as Build.
func New(segments []Segment) (*Route, error) {
	if len(segments) == 0 {
		return nil, &TopologyError{Reason: "route has no segments"}
	}
	for _, s := range segments {
		if !validLength(s.Length) {
			return nil, &TopologyError{Lane: s.ID, Reason: fmt.Sprintf("invalid lane length %v", s.Length)}
		}
	}
	cp := make([]Segment, len(segments))
	copy(cp, segments)
	return newRoute(cp), nil
}

func newRoute(segments []Segment) *Route {
	lengths := make([]float64, len(segments))
	for i, s := range segments {
		lengths[i] = s.Length
	}
	cumulative := make([]float64, len(lengths))
	floats.CumSum(cumulative, lengths)
	return &Route{segments: segments, cumulative: cumulative}
}

func segmentFor(lane string, topo Topology) (Segment, error) {
	length, err := topo.LaneLength(lane)
	if err != nil {
		return Segment{}, &TopologyError{Lane: lane, Reason: "lane length query failed", Err: err}
	}
	if !validLength(length) {
		return Segment{}, &TopologyError{Lane: lane, Reason: fmt.Sprintf("invalid lane length %v", length)}
	}
	edge, err := topo.EdgeOf(lane)
	if err != nil {
		return Segment{}, &TopologyError{Lane: lane, Reason: "edge query failed", Err: err}
	}
	return Segment{ID: lane, Edge: edge, LaneIndex: LaneIndexOf(lane), Length: length}, nil
}

func successor(lane string, topo Topology) (string, error) {
	links, err := topo.SuccessorLanes(lane)
	if err != nil {
		return "", &TopologyError{Lane: lane, Reason: "successor query failed", Err: err}
	}
	switch len(links) {
	case 0:
		return "", &TopologyError{Lane: lane, Reason: "lane has no successor"}
	case 1:
		if links[0] == "" {
			return "", &TopologyError{Lane: lane, Reason: "empty successor lane id"}
		}
		return links[0], nil
	default:
		return "", &TopologyError{Lane: lane, Reason: fmt.Sprintf("lane has %d successors, want exactly 1", len(links))}
	}
}

func validLength(l float64) bool {
	return l > 0 && !math.IsInf(l, 0) && !math.IsNaN(l)
}

// LaneIndexOf extracts the lane index from a SUMO lane id of the form
// "<edge>_<index>". Ids without a numeric suffix map to lane 0.
func LaneIndexOf(laneID string) int {
	i := strings.LastIndexByte(laneID, '_')
	if i < 0 || i == len(laneID)-1 {
		return 0
	}
	n, err := strconv.Atoi(laneID[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Segments returns a copy of the route's segments in traversal order.
func (r *Route) Segments() []Segment {
	out := make([]Segment, len(r.segments))
	copy(out, r.segments)
	return out
}

// Len returns the number of segments.
func (r *Route) Len() int { return len(r.segments) }

// Segment returns the i-th segment.
func (r *Route) Segment(i int) Segment { return r.segments[i] }

// Cumulative returns the running length at the end of each segment.
func (r *Route) Cumulative() []float64 {
	out := make([]float64, len(r.cumulative))
	copy(out, r.cumulative)
	return out
}

// TotalLength is the length of one full loop.
func (r *Route) TotalLength() float64 {
	return r.cumulative[len(r.cumulative)-1]
}

// Resolve maps a forward distance onto the route, wrapping distances beyond
// one loop. It returns the index of the segment containing the point and the
// offset within it. A point exactly on a boundary belongs to the segment that
// starts there.
//
// Callers must reject negative, NaN and infinite distances first.
func (r *Route) Resolve(distance float64) (int, float64) {
	total := r.TotalLength()
	effective := math.Mod(distance, total)
	if effective < 0 {
		effective += total
	}

	i := sort.Search(len(r.cumulative), func(i int) bool {
		return r.cumulative[i] > effective
	})
	if i == len(r.cumulative) {
		i = len(r.cumulative) - 1
	}

	offset := effective - (r.cumulative[i] - r.segments[i].Length)
	if offset < 0 {
		offset = 0
	}
	return i, offset
}
