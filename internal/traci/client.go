// Package traci is a minimal client for SUMO's TraCI control protocol. It
// implements the handful of primitives the bridge needs: lane topology
// queries, position conversion, vehicle relocation, spawning and removal, and
// stepping the simulation.
package traci

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/trackbridge/internal/sim"
)

// Command identifiers.
const (
	cmdGetVersion = 0x00
	cmdSimStep    = 0x02
	cmdClose      = 0x7F

	cmdGetLaneVariable    = 0xA3
	cmdGetVehicleVariable = 0xA4
	cmdGetSimVariable     = 0xAB
	cmdSetVehicleVariable = 0xC4
)

// Variable identifiers.
const (
	varLaneEdgeID         = 0x31
	varLaneLinks          = 0x33
	varLength             = 0x44
	varWidth              = 0x4D
	varLaneID             = 0x51
	varTime               = 0x66
	varPositionConversion = 0x82
	varAdd                = 0x85
	varRemove             = 0x81
	varMoveToXY           = 0xB4
)

// Result codes in status responses.
const (
	resultOK             = 0x00
	resultNotImplemented = 0x01
	resultError          = 0xFF
)

// CommandError is a non-OK status returned by the simulator for a command.
type CommandError struct {
	Command     uint8
	Result      uint8
	Description string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("traci command 0x%02x failed (result 0x%02x): %s", e.Command, e.Result, e.Description)
}

// Is maps "object is not known" errors onto sim.ErrVehicleAbsent.
func (e *CommandError) Is(target error) bool {
	return target == sim.ErrVehicleAbsent && strings.Contains(e.Description, "is not known")
}

// Options configures a Client connection.
type Options struct {
	DialTimeout time.Duration
	// IOTimeout bounds each request/response round trip. Zero disables it.
	IOTimeout time.Duration
}

// Client is a TraCI connection. Calls are serialised; the protocol is strictly
// request/response. Once an exchange fails part way the stream position is
// unknown, so the link is marked broken and every later call returns
// sim.ErrLinkClosed.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	ioTimeout time.Duration
	broken    bool
	closed    bool
}

// Dial connects to a SUMO TraCI server at addr. There is exactly one
// attempt; retrying is left to the caller.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("traci: connect %s: %w", addr, err)
	}
	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, opts Options) *Client {
	return &Client{conn: conn, ioTimeout: opts.IOTimeout}
}

// Close sends the close command and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var err error
	if !c.broken {
		_, err = c.roundTrip(cmdClose, command(cmdClose, nil))
	}
	c.closed = true
	if cerr := c.conn.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// roundTrip sends one command and returns the reader positioned after its
// status response. Caller must hold c.mu.
func (c *Client) roundTrip(id uint8, cmd []byte) (*reader, error) {
	if c.closed || c.broken {
		return nil, sim.ErrLinkClosed
	}
	if c.ioTimeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.ioTimeout))
	}

	msg := make([]byte, 4, 4+len(cmd))
	binary.BigEndian.PutUint32(msg, uint32(4+len(cmd)))
	msg = append(msg, cmd...)
	if _, err := c.conn.Write(msg); err != nil {
		return nil, c.breakLink("write", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, c.breakLink("read header", err)
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if size < 4 {
		return nil, c.breakLink("read header", fmt.Errorf("invalid message size %d", size))
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, c.breakLink("read body", err)
	}

	r := newReader(body)
	statusID, contentLen, err := r.readCommandHeader()
	if err != nil {
		return nil, fmt.Errorf("traci: status header: %w", err)
	}
	if statusID != id {
		return nil, c.breakLink("status", fmt.Errorf("status for command 0x%02x, expected 0x%02x", statusID, id))
	}
	start := r.pos
	result, err := r.ubyte()
	if err != nil {
		return nil, err
	}
	desc, err := r.string()
	if err != nil {
		return nil, err
	}
	r.pos = start + contentLen
	if result != resultOK {
		return nil, &CommandError{Command: id, Result: result, Description: desc}
	}
	return r, nil
}

// breakLink marks the connection unusable and closes it. Any failure during
// an exchange, a deadline included, leaves a reply of unknown length in the
// stream. Caller must hold c.mu.
func (c *Client) breakLink(op string, err error) error {
	c.broken = true
	_ = c.conn.Close()
	return fmt.Errorf("traci: %s: %w (%w)", op, sim.ErrLinkClosed, err)
}

// get issues a get-variable command and returns the reader positioned at the
// typed value of the response.
func (c *Client) get(cmdID, varID uint8, objectID string, params []byte) (*reader, error) {
	var w writer
	w.ubyte(varID)
	w.string(objectID)
	w.buf.Write(params)

	r, err := c.roundTrip(cmdID, command(cmdID, w.bytes()))
	if err != nil {
		return nil, err
	}
	respID, _, err := r.readCommandHeader()
	if err != nil {
		return nil, fmt.Errorf("traci: response header: %w", err)
	}
	if respID != cmdID+0x10 {
		return nil, fmt.Errorf("traci: response 0x%02x to get 0x%02x", respID, cmdID)
	}
	gotVar, err := r.ubyte()
	if err != nil {
		return nil, err
	}
	if gotVar != varID {
		return nil, fmt.Errorf("traci: response for variable 0x%02x, expected 0x%02x", gotVar, varID)
	}
	gotObj, err := r.string()
	if err != nil {
		return nil, err
	}
	if gotObj != objectID {
		return nil, c.breakLink("response", fmt.Errorf("response for object %q, expected %q", gotObj, objectID))
	}
	return r, nil
}

func (c *Client) set(varID uint8, objectID string, value []byte) error {
	var w writer
	w.ubyte(varID)
	w.string(objectID)
	w.buf.Write(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.roundTrip(cmdSetVehicleVariable, command(cmdSetVehicleVariable, w.bytes()))
	return err
}

// Version returns the TraCI API version and the simulator's version string.
func (c *Client) Version() (int, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.roundTrip(cmdGetVersion, command(cmdGetVersion, nil))
	if err != nil {
		return 0, "", err
	}
	if _, _, err := r.readCommandHeader(); err != nil {
		return 0, "", err
	}
	api, err := r.int32()
	if err != nil {
		return 0, "", err
	}
	name, err := r.string()
	return int(api), name, err
}

// Step advances the simulation until target seconds; zero performs exactly
// one simulation step.
func (c *Client) Step(target float64) error {
	var w writer
	w.double(target)

	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.roundTrip(cmdSimStep, command(cmdSimStep, w.bytes()))
	if err != nil {
		return err
	}
	// Subscription results follow; the bridge has none but the count is
	// always present.
	if _, err := r.int32(); err != nil {
		return fmt.Errorf("traci: step response: %w", err)
	}
	return nil
}

// CurrentTime returns the simulation time in seconds.
func (c *Client) CurrentTime() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetSimVariable, varTime, "", nil)
	if err != nil {
		return 0, err
	}
	return r.typedDouble()
}

// CurrentLane returns the lane the vehicle currently occupies.
func (c *Client) CurrentLane(vehicle string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetVehicleVariable, varLaneID, vehicle, nil)
	if err != nil {
		return "", err
	}
	return r.typedString()
}

// LaneLength returns the lane's length in meters.
func (c *Client) LaneLength(lane string) (float64, error) {
	return c.laneDouble(varLength, lane)
}

// LaneWidth returns the lane's width in meters.
func (c *Client) LaneWidth(lane string) (float64, error) {
	return c.laneDouble(varWidth, lane)
}

func (c *Client) laneDouble(varID uint8, lane string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetLaneVariable, varID, lane, nil)
	if err != nil {
		return 0, err
	}
	return r.typedDouble()
}

// EdgeOf returns the edge a lane belongs to.
func (c *Client) EdgeOf(lane string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetLaneVariable, varLaneEdgeID, lane, nil)
	if err != nil {
		return "", err
	}
	return r.typedString()
}

// SuccessorLanes returns the non-internal lanes reachable from lane, in link
// order.
func (c *Client) SuccessorLanes(lane string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetLaneVariable, varLaneLinks, lane, nil)
	if err != nil {
		return nil, err
	}
	if err := r.expectType(typeCompound); err != nil {
		return nil, err
	}
	if _, err := r.int32(); err != nil {
		return nil, err
	}
	n, err := r.typedInt()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		next, err := r.typedString()
		if err != nil {
			return nil, fmt.Errorf("traci: link %d: %w", i, err)
		}
		out = append(out, next)
		// via lane, priority, open, foe, state, direction, length
		for j := 0; j < 7; j++ {
			if err := r.skipTyped(); err != nil {
				return nil, fmt.Errorf("traci: link %d: %w", i, err)
			}
		}
	}
	return out, nil
}

// ConvertRoadToXY converts a road position to network coordinates.
func (c *Client) ConvertRoadToXY(edge string, pos float64, laneIndex int) (sim.Position, error) {
	var w writer
	w.compound(2)
	w.ubyte(typePositionRoad)
	w.string(edge)
	w.double(pos)
	w.ubyte(uint8(laneIndex))
	w.typedUByte(typePosition2D)

	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetSimVariable, varPositionConversion, "", w.bytes())
	if err != nil {
		return sim.Position{}, err
	}
	if err := r.expectType(typePosition2D); err != nil {
		return sim.Position{}, err
	}
	x, err := r.double()
	if err != nil {
		return sim.Position{}, err
	}
	y, err := r.double()
	if err != nil {
		return sim.Position{}, err
	}
	return sim.Position{X: x, Y: y}, nil
}

// ConvertXYToRoad maps network coordinates to the nearest road position.
func (c *Client) ConvertXYToRoad(x, y float64) (sim.RoadPosition, error) {
	var w writer
	w.compound(2)
	w.ubyte(typePosition2D)
	w.double(x)
	w.double(y)
	w.typedUByte(typePositionRoad)

	c.mu.Lock()
	defer c.mu.Unlock()
	r, err := c.get(cmdGetSimVariable, varPositionConversion, "", w.bytes())
	if err != nil {
		return sim.RoadPosition{}, err
	}
	if err := r.expectType(typePositionRoad); err != nil {
		return sim.RoadPosition{}, err
	}
	edge, err := r.string()
	if err != nil {
		return sim.RoadPosition{}, err
	}
	pos, err := r.double()
	if err != nil {
		return sim.RoadPosition{}, err
	}
	lane, err := r.ubyte()
	if err != nil {
		return sim.RoadPosition{}, err
	}
	return sim.RoadPosition{Edge: edge, Pos: pos, LaneIndex: int(lane)}, nil
}

// MoveToXY places the vehicle at (x, y) with the given angle, using edge and
// lane as hints for the network mapping.
func (c *Client) MoveToXY(vehicle, edge string, laneIndex int, x, y, angle float64, mode sim.MoveMode) error {
	var w writer
	w.compound(6)
	w.typedString(edge)
	w.typedInt(int32(laneIndex))
	w.typedDouble(x)
	w.typedDouble(y)
	w.typedDouble(angle)
	w.typedByte(int8(mode))
	return c.set(varMoveToXY, vehicle, w.bytes())
}

// AddVehicle inserts a vehicle on routeID with type typeID departing at
// depart (seconds, or a SUMO keyword such as "now").
func (c *Client) AddVehicle(vehicle, routeID, typeID, depart string) error {
	var w writer
	w.compound(14)
	for _, s := range []string{routeID, typeID, depart, "first", "base", "0", "current", "max", "current", "", "", ""} {
		w.typedString(s)
	}
	w.typedInt(4) // person capacity
	w.typedInt(0) // person number
	return c.set(varAdd, vehicle, w.bytes())
}

// RemoveVehicle removes the vehicle from the simulation.
func (c *Client) RemoveVehicle(vehicle string, reason sim.RemoveReason) error {
	var w writer
	w.typedByte(int8(reason))
	return c.set(varRemove, vehicle, w.bytes())
}
