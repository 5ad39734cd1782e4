package inbound

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackbridge/internal/fsutil"
	"github.com/banshee-data/trackbridge/internal/timeutil"
)

type capturedSegment struct {
	at      time.Time
	dstPort uint16
	payload []byte
}

// writeCapture writes an Ethernet/IPv4/TCP capture with one packet per
// segment.
func writeCapture(t *testing.T, segments []capturedSegment) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	for i, s := range segments {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IPv4(127, 0, 0, 1),
			DstIP:    net.IPv4(127, 0, 0, 1),
		}
		tcp := &layers.TCP{
			SrcPort: 50000,
			DstPort: layers.TCPPort(s.dstPort),
			Seq:     uint32(1000 + i),
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(s.payload)))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     s.at,
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
	return path
}

func TestReplay_FramedRecordsAcrossSegments(t *testing.T) {
	start := time.Unix(1700000000, 0)
	first := frame(MarshalRecord(sampleRecord()))
	second := sampleRecord()
	second.TrackDistance = 140
	secondFrame := frame(MarshalRecord(second))

	path := writeCapture(t, []capturedSegment{
		{at: start, dstPort: 2000, payload: first},
		{at: start.Add(100 * time.Millisecond), dstPort: 9999, payload: []byte("noise")},
		// The second record is split over two segments.
		{at: start.Add(time.Second), dstPort: 2000, payload: secondFrame[:10]},
		{at: start.Add(2 * time.Second), dstPort: 2000, payload: secondFrame[10:]},
	})

	clock := timeutil.NewMockClock(start)
	r, err := OpenReplay(context.Background(), ReplayConfig{
		Path:   path,
		Port:   2000,
		Decode: DecodeOptions{Vehicle: "veh0"},
		Speed:  2,
		Clock:  clock,
		Logf:   quiet,
	})
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 125.5, rec.TrackDistance)

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 140.0, rec.TrackDistance)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 3, r.Packets())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, clock.Sleeps())
}

func TestReplay_TextPayloads(t *testing.T) {
	start := time.Unix(1700000000, 0)
	path := writeCapture(t, []capturedSegment{
		{at: start, dstPort: 2000, payload: []byte(`{"veh0":{"x":1,"y":2,"z":0,"pos":5,"angle":90}}`)},
		{at: start, dstPort: 2000, payload: []byte(`{"veh0":`)},
		{at: start, dstPort: 2000, payload: []byte(`{"veh0":{"x":1,"y":2,"z":0,"pos":6,"angle":90}}`)},
	})

	r, err := OpenReplay(context.Background(), ReplayConfig{
		Path:   path,
		Port:   2000,
		Decode: DecodeOptions{Format: FormatText, Vehicle: "veh0"},
		Logf:   quiet,
	})
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, 5.0, rec.TrackDistance)

	_, err = r.Next()
	assert.True(t, IsTransportError(err))

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 6.0, rec.TrackDistance)
}

func TestReplay_StopsOnCancel(t *testing.T) {
	path := writeCapture(t, []capturedSegment{
		{at: time.Unix(1, 0), dstPort: 2000, payload: frame(MarshalRecord(sampleRecord()))},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := OpenReplay(ctx, ReplayConfig{Path: path, Port: 2000, Logf: quiet})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenReplay_MissingFile(t *testing.T) {
	_, err := OpenReplay(context.Background(), ReplayConfig{Path: filepath.Join(t.TempDir(), "nope.pcap")})
	assert.Error(t, err)
}

func TestOpenReplay_FromMemory(t *testing.T) {
	data, err := os.ReadFile(writeCapture(t, []capturedSegment{
		{at: time.Unix(1, 0), dstPort: 2000, payload: frame(MarshalRecord(sampleRecord()))},
	}))
	require.NoError(t, err)
	fsys := fsutil.NewMemoryFileSystem()
	fsys.Add("captures/lap.pcap", data)
	fsys.Add("captures/garbage.pcap", []byte("not a capture"))

	r, err := OpenReplay(context.Background(), ReplayConfig{Path: "captures/lap.pcap", Port: 2000, FS: fsys, Logf: quiet})
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, sampleRecord().TrackDistance, rec.TrackDistance)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 1, r.Packets())

	_, err = OpenReplay(context.Background(), ReplayConfig{Path: "captures/garbage.pcap", FS: fsys, Logf: quiet})
	assert.ErrorContains(t, err, "PCAP header")
}
