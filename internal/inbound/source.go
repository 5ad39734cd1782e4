package inbound

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/trackbridge/internal/pose"
)

// Format selects the inbound wire format.
type Format string

const (
	// FormatLengthPrefixed is a 4-byte little-endian signed length followed by
	// a protobuf PoseRecord.
	FormatLengthPrefixed Format = "length-prefixed"
	// FormatText is one JSON object per read, keyed by vehicle name.
	FormatText Format = "text"
)

const (
	DefaultMaxRecordBytes = 1 << 20
	DefaultReadBuffer     = 1024
)

// Source yields pose records for the tracked vehicle. Next returns a
// *TransportError for a read that should be skipped and io.EOF (or another
// error) when the stream has ended.
type Source interface {
	Next() (pose.Record, error)
}

// DecodeOptions configures record decoding.
type DecodeOptions struct {
	Format Format
	// Vehicle is the tracked vehicle. Records naming another vehicle are
	// rejected; records without a name are attributed to it.
	Vehicle        string
	MaxRecordBytes int
	ReadBuffer     int
}

func (o DecodeOptions) withDefaults() DecodeOptions {
	if o.Format == "" {
		o.Format = FormatLengthPrefixed
	}
	if o.MaxRecordBytes <= 0 {
		o.MaxRecordBytes = DefaultMaxRecordBytes
	}
	if o.ReadBuffer <= 0 {
		o.ReadBuffer = DefaultReadBuffer
	}
	return o
}

// NewSource returns a Source decoding records from r.
func NewSource(r io.Reader, opts DecodeOptions) (Source, error) {
	opts = opts.withDefaults()
	switch opts.Format {
	case FormatLengthPrefixed:
		return &framedSource{r: r, opts: opts}, nil
	case FormatText:
		return &textSource{r: r, opts: opts, buf: make([]byte, opts.ReadBuffer)}, nil
	}
	return nil, fmt.Errorf("unknown inbound format %q", opts.Format)
}

// DecodePayload decodes one self-contained payload, as delivered by a single
// read, in the given format.
func DecodePayload(b []byte, opts DecodeOptions) (pose.Record, error) {
	opts = opts.withDefaults()
	switch opts.Format {
	case FormatText:
		rec, err := UnmarshalText(b, opts.Vehicle)
		if err != nil {
			return pose.Record{}, &TransportError{Op: "decode text record", Err: err}
		}
		return rec, nil
	case FormatLengthPrefixed:
		src := &framedSource{r: bytes.NewReader(b), opts: opts}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return pose.Record{}, &TransportError{Op: "decode framed record", Err: io.ErrUnexpectedEOF}
		}
		return rec, err
	}
	return pose.Record{}, fmt.Errorf("unknown inbound format %q", opts.Format)
}

type framedSource struct {
	r    io.Reader
	opts DecodeOptions
}

func (s *framedSource) Next() (pose.Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return pose.Record{}, err
	}
	size := int32(binary.LittleEndian.Uint32(hdr[:]))
	if size <= 0 {
		return pose.Record{}, &TransportError{Op: "read record size", Err: fmt.Errorf("size %d: %w", size, errEmptyRecord)}
	}
	if int(size) > s.opts.MaxRecordBytes {
		// Drain the payload so the next header is read from the right place.
		if _, err := io.CopyN(io.Discard, s.r, int64(size)); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return pose.Record{}, err
		}
		return pose.Record{}, &TransportError{Op: "read record", Err: fmt.Errorf("size %d: %w", size, errOversizedRecord)}
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return pose.Record{}, err
	}
	rec, err := UnmarshalRecord(payload)
	if err != nil {
		return pose.Record{}, &TransportError{Op: "decode record", Err: err}
	}
	return s.attribute(rec)
}

func (s *framedSource) attribute(rec pose.Record) (pose.Record, error) {
	switch {
	case rec.Vehicle == "":
		rec.Vehicle = s.opts.Vehicle
	case s.opts.Vehicle != "" && rec.Vehicle != s.opts.Vehicle:
		return pose.Record{}, &TransportError{Op: "decode record", Err: fmt.Errorf("vehicle %q: %w", rec.Vehicle, errUntracked)}
	}
	return rec, nil
}

type textSource struct {
	r    io.Reader
	opts DecodeOptions
	buf  []byte
}

func (s *textSource) Next() (pose.Record, error) {
	n, err := s.r.Read(s.buf)
	if n == 0 {
		if err == nil {
			return pose.Record{}, &TransportError{Op: "read text record", Err: errEmptyRecord}
		}
		return pose.Record{}, err
	}
	rec, derr := UnmarshalText(s.buf[:n], s.opts.Vehicle)
	if derr != nil {
		return pose.Record{}, &TransportError{Op: "decode text record", Err: derr}
	}
	return rec, nil
}
