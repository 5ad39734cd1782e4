package inbound

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/trackbridge/internal/fsutil"
	"github.com/banshee-data/trackbridge/internal/monitoring"
	"github.com/banshee-data/trackbridge/internal/pose"
	"github.com/banshee-data/trackbridge/internal/timeutil"
)

// ReplayConfig configures a pcap replay source.
type ReplayConfig struct {
	// Path is a pcap capture of the inbound TCP stream.
	Path string
	// Port selects TCP segments sent to this destination port.
	Port   int
	Decode DecodeOptions
	// Speed scales the capture's inter-packet gaps; zero replays as fast as
	// records are consumed.
	Speed float64
	Clock timeutil.Clock
	// FS defaults to the host filesystem.
	FS   fsutil.FileSystem
	Logf func(format string, v ...interface{})
}

// Replay is a Source reading records from a captured session.
type Replay struct {
	f       fs.File
	src     Source
	packets *payloadReader
}

// OpenReplay opens the capture at cfg.Path. The returned Replay stops with
// ctx.Err() once ctx is cancelled.
func OpenReplay(ctx context.Context, cfg ReplayConfig) (*Replay, error) {
	fsys := cfg.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	f, err := fsys.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", cfg.Path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP header of %s: %w", cfg.Path, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = monitoring.Logf
	}

	pr := &payloadReader{
		ctx:     ctx,
		packets: gopacket.NewPacketSource(r, r.LinkType()),
		port:    layers.TCPPort(cfg.Port),
		speed:   cfg.Speed,
		clock:   clock,
		logf:    logf,
	}
	src, err := NewSource(pr, cfg.Decode)
	if err != nil {
		f.Close()
		return nil, err
	}
	logf("[inbound] replaying %s (tcp dst port %d, link type %s)", cfg.Path, cfg.Port, r.LinkType())
	return &Replay{f: f, src: src, packets: pr}, nil
}

// Next returns the next record from the capture, io.EOF at its end.
func (r *Replay) Next() (pose.Record, error) { return r.src.Next() }

// Packets returns the number of matching TCP payloads read so far.
func (r *Replay) Packets() int { return r.packets.count }

// Close closes the capture file.
func (r *Replay) Close() error { return r.f.Close() }

// payloadReader presents the TCP payloads of a capture as a byte stream. A
// Read never spans two payloads, so each payload is one read.
type payloadReader struct {
	ctx     context.Context
	packets *gopacket.PacketSource
	port    layers.TCPPort
	speed   float64
	clock   timeutil.Clock
	logf    func(format string, v ...interface{})

	pending []byte
	last    time.Time
	count   int
}

func (p *payloadReader) Read(b []byte) (int, error) {
	for len(p.pending) == 0 {
		if err := p.ctx.Err(); err != nil {
			return 0, err
		}
		packet, err := p.packets.NextPacket()
		if err == io.EOF {
			p.logf("[inbound] PCAP file reading complete: %d payloads", p.count)
			return 0, io.EOF
		}
		if err != nil {
			return 0, fmt.Errorf("read PCAP packet %d: %w", p.count+1, err)
		}
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || tcp.DstPort != p.port || len(tcp.Payload) == 0 {
			continue
		}
		p.pace(packet.Metadata().Timestamp)
		p.pending = tcp.Payload
		p.count++
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *payloadReader) pace(ts time.Time) {
	if p.speed > 0 && !p.last.IsZero() {
		if gap := ts.Sub(p.last); gap > 0 {
			p.clock.Sleep(time.Duration(float64(gap) / p.speed))
		}
	}
	p.last = ts
}
