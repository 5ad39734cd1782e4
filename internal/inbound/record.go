package inbound

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/trackbridge/internal/pose"
)

// PoseRecord field numbers.
const (
	fieldVehicle   protowire.Number = 1
	fieldDistance  protowire.Number = 2
	fieldAngle     protowire.Number = 3
	fieldPosition  protowire.Number = 4
	fieldYaw       protowire.Number = 5
	fieldTime      protowire.Number = 6
	fieldReference protowire.Number = 7
)

// Vec3 / TrackReference field numbers.
const (
	fieldX protowire.Number = 1
	fieldY protowire.Number = 2
	fieldZ protowire.Number = 3

	fieldLeftX  protowire.Number = 1
	fieldLeftY  protowire.Number = 2
	fieldRightX protowire.Number = 3
	fieldRightY protowire.Number = 4
)

// UnmarshalRecord decodes a protobuf PoseRecord. Numeric fields may be encoded
// as double or float. The heading is taken from the angle field when present,
// otherwise derived from the yaw.
func UnmarshalRecord(b []byte) (pose.Record, error) {
	var (
		rec      pose.Record
		hasAngle bool
		yaw      float64
		hasYaw   bool
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldVehicle:
			s, n := protowire.ConsumeString(v)
			if n < 0 || typ != protowire.BytesType {
				return -1, fmt.Errorf("vehicle: %w", fieldErr(n))
			}
			rec.Vehicle = s
			return n, nil
		case fieldDistance:
			return consumeNumber(typ, v, &rec.TrackDistance)
		case fieldAngle:
			hasAngle = true
			return consumeNumber(typ, v, &rec.Heading)
		case fieldYaw:
			hasYaw = true
			return consumeNumber(typ, v, &yaw)
		case fieldTime:
			return consumeNumber(typ, v, &rec.Time)
		case fieldPosition:
			msg, n := protowire.ConsumeBytes(v)
			if n < 0 || typ != protowire.BytesType {
				return -1, fmt.Errorf("position: %w", fieldErr(n))
			}
			if err := unmarshalVec3(msg, &rec.Position); err != nil {
				return -1, fmt.Errorf("position: %w", err)
			}
			return n, nil
		case fieldReference:
			msg, n := protowire.ConsumeBytes(v)
			if n < 0 || typ != protowire.BytesType {
				return -1, fmt.Errorf("reference: %w", fieldErr(n))
			}
			ref, err := unmarshalReference(msg)
			if err != nil {
				return -1, fmt.Errorf("reference: %w", err)
			}
			rec.Reference = &ref
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	if err != nil {
		return pose.Record{}, err
	}
	if !hasAngle && hasYaw {
		rec.Heading = pose.YawToHeading(yaw)
	}
	return rec, nil
}

func unmarshalVec3(b []byte, out *pose.Vec3) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldX:
			return consumeNumber(typ, v, &out.X)
		case fieldY:
			return consumeNumber(typ, v, &out.Y)
		case fieldZ:
			return consumeNumber(typ, v, &out.Z)
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
}

func unmarshalReference(b []byte) (pose.TrackReference, error) {
	var ref pose.TrackReference
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldLeftX:
			return consumeNumber(typ, v, &ref.Left.X)
		case fieldLeftY:
			return consumeNumber(typ, v, &ref.Left.Y)
		case fieldRightX:
			return consumeNumber(typ, v, &ref.Right.X)
		case fieldRightY:
			return consumeNumber(typ, v, &ref.Right.Y)
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
	return ref, err
}

// walkFields calls fn for every field in b. fn consumes the field value and
// returns the number of bytes used.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeNumber(typ protowire.Type, b []byte, out *float64) (int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return -1, protowire.ParseError(n)
		}
		*out = math.Float64frombits(v)
		return n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return -1, protowire.ParseError(n)
		}
		*out = float64(math.Float32frombits(v))
		return n, nil
	}
	return -1, fmt.Errorf("unexpected wire type %d for numeric field", typ)
}

func fieldErr(n int) error {
	if n < 0 {
		return protowire.ParseError(n)
	}
	return errWireType
}

// MarshalRecord encodes rec as a PoseRecord with double fields. It is the
// inverse of UnmarshalRecord for records that carry an angle.
func MarshalRecord(rec pose.Record) []byte {
	var b []byte
	if rec.Vehicle != "" {
		b = protowire.AppendTag(b, fieldVehicle, protowire.BytesType)
		b = protowire.AppendString(b, rec.Vehicle)
	}
	b = appendDouble(b, fieldDistance, rec.TrackDistance)
	b = appendDouble(b, fieldAngle, rec.Heading)

	var pos []byte
	pos = appendDouble(pos, fieldX, rec.Position.X)
	pos = appendDouble(pos, fieldY, rec.Position.Y)
	pos = appendDouble(pos, fieldZ, rec.Position.Z)
	b = protowire.AppendTag(b, fieldPosition, protowire.BytesType)
	b = protowire.AppendBytes(b, pos)

	if rec.Time != 0 {
		b = appendDouble(b, fieldTime, rec.Time)
	}
	if ref := rec.Reference; ref != nil {
		var fs []byte
		fs = appendDouble(fs, fieldLeftX, ref.Left.X)
		fs = appendDouble(fs, fieldLeftY, ref.Left.Y)
		fs = appendDouble(fs, fieldRightX, ref.Right.X)
		fs = appendDouble(fs, fieldRightY, ref.Right.Y)
		b = protowire.AppendTag(b, fieldReference, protowire.BytesType)
		b = protowire.AppendBytes(b, fs)
	}
	return b
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// textPose is one vehicle's entry in a text record.
type textPose struct {
	X     *float64 `json:"x"`
	Y     *float64 `json:"y"`
	Z     float64  `json:"z"`
	Pos   *float64 `json:"pos"`
	Angle *float64 `json:"angle"`
	Time  float64  `json:"time,omitempty"`
}

// UnmarshalText decodes a text record: a JSON object keyed by vehicle name.
// Only the entry for vehicle is used.
func UnmarshalText(b []byte, vehicle string) (pose.Record, error) {
	var entries map[string]textPose
	if err := json.Unmarshal(b, &entries); err != nil {
		return pose.Record{}, err
	}
	tp, ok := entries[vehicle]
	if !ok {
		return pose.Record{}, fmt.Errorf("vehicle %q: %w", vehicle, errUntracked)
	}
	if tp.X == nil || tp.Y == nil || tp.Pos == nil || tp.Angle == nil {
		return pose.Record{}, fmt.Errorf("vehicle %q: missing x, y, pos or angle", vehicle)
	}
	return pose.Record{
		Vehicle:       vehicle,
		TrackDistance: *tp.Pos,
		Position:      pose.Vec3{X: *tp.X, Y: *tp.Y, Z: tp.Z},
		Heading:       *tp.Angle,
		Time:          tp.Time,
	}, nil
}
