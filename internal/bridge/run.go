package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/trackbridge/internal/inbound"
	"github.com/banshee-data/trackbridge/internal/relocate"
	"github.com/banshee-data/trackbridge/internal/sim"
)

// Acceptor hands out inbound client connections one at a time.
type Acceptor interface {
	Accept(ctx context.Context) (*inbound.Conn, error)
}

// Serve accepts inbound clients one at a time and runs each until it
// disconnects. The route and origin offset carry over between clients. It
// returns when ctx is done or the simulator link is closed.
func (s *Session) Serve(ctx context.Context, acc Acceptor) error {
	s.setRunning(true)
	defer s.setRunning(false)

	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.mu.Lock()
		s.stats.Connections++
		s.mu.Unlock()

		err = s.Run(ctx, conn)
		conn.Close()
		switch {
		case err == nil:
			s.logf("inbound client %s disconnected", conn.RemoteAddr())
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, sim.ErrLinkClosed):
			return err
		default:
			s.logf("inbound client %s dropped: %v", conn.RemoteAddr(), err)
		}
	}
}

// Run processes records from src until it is exhausted (nil), ctx is done,
// or the simulator link is closed. Transport errors, invalid poses and
// relocation failures are logged and the loop continues. A record cut short
// by the end of the stream is logged and treated as the end.
func (s *Session) Run(ctx context.Context, src inbound.Source) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := src.Next()
		if err != nil {
			if inbound.IsTransportError(err) {
				s.mu.Lock()
				s.stats.TransportErrors++
				s.mu.Unlock()
				s.logf("skipping record: %v", err)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.mu.Lock()
				s.stats.TransportErrors++
				s.mu.Unlock()
				s.logf("skipping truncated record at end of stream")
				return nil
			}
			return fmt.Errorf("read inbound record: %w", err)
		}

		_, err = s.Process(rec)
		if err == nil {
			continue
		}
		var le *relocate.LinkError
		switch {
		case errors.Is(err, ErrInvalidPose):
			s.logf("skipping record: %v", err)
		case errors.As(err, &le):
			s.logf("relocation failed for vehicle %s on edge %q lane %d: %v", le.Vehicle, le.Edge, le.LaneIndex, le.Err)
		case errors.Is(err, sim.ErrLinkClosed):
			return err
		default:
			s.logf("record at %.2f m: %v", rec.TrackDistance, err)
		}
	}
}
