package traci

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackbridge/internal/sim"
)

// request is one decoded command received by the fake server.
type request struct {
	id      uint8
	content []byte
}

// fakeServer answers each request with the bytes returned by handle.
type fakeServer struct {
	t        *testing.T
	conn     net.Conn
	handle   func(req request) []byte
	requests chan request
}

func startFakeServer(t *testing.T, handle func(req request) []byte) (*Client, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	s := &fakeServer{t: t, conn: serverConn, handle: handle, requests: make(chan request, 16)}
	go s.serve()
	c := NewClient(clientConn, Options{IOTimeout: 2 * time.Second})
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return c, s
}

func (s *fakeServer) serve() {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(hdr[:])-4)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			return
		}
		r := newReader(body)
		id, n, err := r.readCommandHeader()
		if err != nil {
			return
		}
		content, _ := r.take(n)
		req := request{id: id, content: append([]byte(nil), content...)}
		s.requests <- req

		payload := s.handle(req)
		msg := make([]byte, 4, 4+len(payload))
		binary.BigEndian.PutUint32(msg, uint32(4+len(payload)))
		if _, err := s.conn.Write(append(msg, payload...)); err != nil {
			return
		}
	}
}

// startTCPFakeServer is startFakeServer over a loopback socket, where a late
// reply stays buffered in the stream. The returned channel closes when the
// server sees the client hang up.
func startTCPFakeServer(t *testing.T, opts Options, handle func(req request) []byte) (*Client, <-chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		s := &fakeServer{t: t, conn: conn, handle: handle, requests: make(chan request, 16)}
		s.serve()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := NewClient(conn, opts)
	t.Cleanup(func() { c.Close() })
	return c, done
}

func status(id uint8, result uint8, desc string) []byte {
	var w writer
	w.ubyte(result)
	w.string(desc)
	return command(id, w.bytes())
}

func getResponse(cmdID, varID uint8, object string, typed func(w *writer)) []byte {
	var w writer
	w.ubyte(varID)
	w.string(object)
	typed(&w)
	return append(status(cmdID, resultOK, ""), command(cmdID+0x10, w.bytes())...)
}

// parseGet decodes the variable and object id of a get/set request.
func parseGet(t *testing.T, req request) (uint8, string, *reader) {
	t.Helper()
	r := newReader(req.content)
	v, err := r.ubyte()
	require.NoError(t, err)
	obj, err := r.string()
	require.NoError(t, err)
	return v, obj, r
}

func TestClient_CurrentLane(t *testing.T) {
	c, s := startFakeServer(t, func(req request) []byte {
		return getResponse(cmdGetVehicleVariable, varLaneID, "veh0", func(w *writer) { w.typedString("0to1_0") })
	})

	lane, err := c.CurrentLane("veh0")
	require.NoError(t, err)
	assert.Equal(t, "0to1_0", lane)

	req := <-s.requests
	assert.Equal(t, uint8(cmdGetVehicleVariable), req.id)
	v, obj, _ := parseGet(t, req)
	assert.Equal(t, uint8(varLaneID), v)
	assert.Equal(t, "veh0", obj)
}

func TestClient_LaneQueries(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		v, obj, _ := parseGet(t, req)
		switch v {
		case varLength:
			return getResponse(cmdGetLaneVariable, v, obj, func(w *writer) { w.typedDouble(40.5) })
		case varWidth:
			return getResponse(cmdGetLaneVariable, v, obj, func(w *writer) { w.typedDouble(3.2) })
		case varLaneEdgeID:
			return getResponse(cmdGetLaneVariable, v, obj, func(w *writer) { w.typedString("0to1") })
		}
		return status(req.id, resultError, "unexpected")
	})

	length, err := c.LaneLength("0to1_0")
	require.NoError(t, err)
	assert.Equal(t, 40.5, length)

	width, err := c.LaneWidth("0to1_0")
	require.NoError(t, err)
	assert.Equal(t, 3.2, width)

	edge, err := c.EdgeOf("0to1_0")
	require.NoError(t, err)
	assert.Equal(t, "0to1", edge)
}

func TestClient_SuccessorLanes(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		return getResponse(cmdGetLaneVariable, varLaneLinks, "0to1_0", func(w *writer) {
			w.compound(3)
			w.typedInt(2)
			for _, next := range []string{"1to2_0", "1to3_0"} {
				w.typedString(next)
				w.typedString(":1_0_0")
				w.typedUByte(1)
				w.typedUByte(1)
				w.typedUByte(0)
				w.typedString("M")
				w.typedString("s")
				w.typedDouble(4.5)
			}
		})
	})

	links, err := c.SuccessorLanes("0to1_0")
	require.NoError(t, err)
	assert.Equal(t, []string{"1to2_0", "1to3_0"}, links)
}

func TestClient_ConvertRoadToXY(t *testing.T) {
	c, s := startFakeServer(t, func(req request) []byte {
		return getResponse(cmdGetSimVariable, varPositionConversion, "", func(w *writer) {
			w.ubyte(typePosition2D)
			w.double(12.5)
			w.double(-3.25)
		})
	})

	pos, err := c.ConvertRoadToXY("0to1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, sim.Position{X: 12.5, Y: -3.25}, pos)

	req := <-s.requests
	_, _, r := parseGet(t, req)
	require.NoError(t, r.expectType(typeCompound))
	items, _ := r.int32()
	assert.Equal(t, int32(2), items)
	require.NoError(t, r.expectType(typePositionRoad))
	edge, _ := r.string()
	assert.Equal(t, "0to1", edge)
}

func TestClient_ConvertXYToRoad(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		return getResponse(cmdGetSimVariable, varPositionConversion, "", func(w *writer) {
			w.ubyte(typePositionRoad)
			w.string("1to2")
			w.double(17.75)
			w.ubyte(1)
		})
	})

	rp, err := c.ConvertXYToRoad(100, 200)
	require.NoError(t, err)
	assert.Equal(t, sim.RoadPosition{Edge: "1to2", Pos: 17.75, LaneIndex: 1}, rp)
}

func TestClient_MoveToXYEncoding(t *testing.T) {
	c, s := startFakeServer(t, func(req request) []byte {
		return status(req.id, resultOK, "")
	})

	require.NoError(t, c.MoveToXY("veh0", "1to2", 0, 10.5, 20.25, -90, sim.MoveExactMap))

	req := <-s.requests
	assert.Equal(t, uint8(cmdSetVehicleVariable), req.id)
	v, obj, r := parseGet(t, req)
	assert.Equal(t, uint8(varMoveToXY), v)
	assert.Equal(t, "veh0", obj)

	require.NoError(t, r.expectType(typeCompound))
	n, _ := r.int32()
	assert.Equal(t, int32(6), n)
	edge, _ := r.typedString()
	lane, _ := r.typedInt()
	x, _ := r.typedDouble()
	y, _ := r.typedDouble()
	angle, _ := r.typedDouble()
	require.NoError(t, r.expectType(typeByte))
	keep, _ := r.ubyte()
	assert.Equal(t, "1to2", edge)
	assert.Equal(t, int32(0), lane)
	assert.Equal(t, 10.5, x)
	assert.Equal(t, 20.25, y)
	assert.Equal(t, -90.0, angle)
	assert.Equal(t, uint8(2), keep)
}

func TestClient_UnknownVehicleMapsToAbsent(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		return status(req.id, resultError, "Vehicle 'veh0' is not known")
	})

	err := c.MoveToXY("veh0", "1to2", 0, 0, 0, 0, sim.MoveExactMap)
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrVehicleAbsent)

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint8(cmdSetVehicleVariable), ce.Command)
}

func TestClient_OtherErrorsAreNotAbsence(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		return status(req.id, resultError, "Invalid edge '9to9'")
	})

	err := c.MoveToXY("veh0", "9to9", 0, 0, 0, 0, sim.MoveExactMap)
	require.Error(t, err)
	assert.False(t, errors.Is(err, sim.ErrVehicleAbsent))
}

func TestClient_AddVehicleEncoding(t *testing.T) {
	c, s := startFakeServer(t, func(req request) []byte {
		return status(req.id, resultOK, "")
	})

	require.NoError(t, c.AddVehicle("veh0", "route0", "Car", "12.5"))

	req := <-s.requests
	v, obj, r := parseGet(t, req)
	assert.Equal(t, uint8(varAdd), v)
	assert.Equal(t, "veh0", obj)
	require.NoError(t, r.expectType(typeCompound))
	n, _ := r.int32()
	assert.Equal(t, int32(14), n)
	routeID, _ := r.typedString()
	typeID, _ := r.typedString()
	depart, _ := r.typedString()
	assert.Equal(t, []string{"route0", "Car", "12.5"}, []string{routeID, typeID, depart})
}

func TestClient_StepAndTime(t *testing.T) {
	var stepTarget float64
	c, _ := startFakeServer(t, func(req request) []byte {
		switch req.id {
		case cmdSimStep:
			stepTarget, _ = newReader(req.content).double()
			var w writer
			w.int32(0)
			return append(status(cmdSimStep, resultOK, ""), w.bytes()...)
		case cmdGetSimVariable:
			return getResponse(cmdGetSimVariable, varTime, "", func(w *writer) { w.typedDouble(7.5) })
		}
		return status(req.id, resultError, "unexpected")
	})

	require.NoError(t, c.Step(3.5))
	assert.Equal(t, 3.5, stepTarget)

	now, err := c.CurrentTime()
	require.NoError(t, err)
	assert.Equal(t, 7.5, now)
}

func TestClient_Version(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		var w writer
		w.int32(21)
		w.string("SUMO 1.20.0")
		return append(status(cmdGetVersion, resultOK, ""), command(cmdGetVersion, w.bytes())...)
	})

	api, name, err := c.Version()
	require.NoError(t, err)
	assert.Equal(t, 21, api)
	assert.Equal(t, "SUMO 1.20.0", name)
}

func TestClient_ClosedConnectionIsLinkClosed(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	c := NewClient(clientConn, Options{IOTimeout: time.Second})
	go func() {
		// Read the request then hang up without answering.
		buf := make([]byte, 64)
		_, _ = serverConn.Read(buf)
		serverConn.Close()
	}()

	_, err := c.CurrentTime()
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrLinkClosed)

	// Every later call fails fast.
	_, err = c.LaneLength("x")
	assert.ErrorIs(t, err, sim.ErrLinkClosed)
}

func TestClient_TimeoutBreaksLink(t *testing.T) {
	c, done := startTCPFakeServer(t, Options{IOTimeout: 100 * time.Millisecond}, func(req request) []byte {
		v, obj, _ := parseGet(t, req)
		length := 222.0
		if obj == "a_0" {
			time.Sleep(300 * time.Millisecond)
			length = 111
		}
		return getResponse(cmdGetLaneVariable, v, obj, func(w *writer) { w.typedDouble(length) })
	})

	_, err := c.LaneLength("a_0")
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrLinkClosed)
	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())

	// The late reply for a_0 must never be read as the answer for b_0.
	length, err := c.LaneLength("b_0")
	assert.ErrorIs(t, err, sim.ErrLinkClosed)
	assert.Zero(t, length)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection left open after timeout")
	}
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestClient_MismatchedObjectBreaksLink(t *testing.T) {
	c, _ := startFakeServer(t, func(req request) []byte {
		return getResponse(cmdGetLaneVariable, varLength, "a_0", func(w *writer) { w.typedDouble(111) })
	})

	_, err := c.LaneLength("b_0")
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrLinkClosed)
	assert.Contains(t, err.Error(), `"a_0"`)

	_, err = c.LaneLength("a_0")
	assert.ErrorIs(t, err, sim.ErrLinkClosed)
}

func TestClient_CloseAfterBrokenLinkClosesSocket(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	c := NewClient(clientConn, Options{IOTimeout: time.Second})
	go func() {
		buf := make([]byte, 64)
		_, _ = serverConn.Read(buf)
		// A header announcing a body that never arrives.
		_, _ = serverConn.Write([]byte{0, 0, 0, 40})
		_, _ = serverConn.Write([]byte{1})
		serverConn.Close()
	}()

	_, err := c.CurrentTime()
	require.ErrorIs(t, err, sim.ErrLinkClosed)
	require.NoError(t, c.Close())

	_, err = clientConn.Write([]byte{0})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestCommandFraming_LongContent(t *testing.T) {
	content := make([]byte, 300)
	cmd := command(0xC4, content)
	r := newReader(cmd)
	id, n, err := r.readCommandHeader()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xC4), id)
	assert.Equal(t, 300, n)
	assert.Equal(t, 300, r.remaining())
}
