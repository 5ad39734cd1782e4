package pose

import (
	"errors"
	"fmt"
)

// Strategy selects where the external reference point comes from.
type Strategy string

const (
	// StrategyFixed uses a configured external reference point.
	StrategyFixed Strategy = "fixed"
	// StrategyFirstTick takes the reference from the first valid record.
	StrategyFirstTick Strategy = "first-tick"
)

// HalfWidthSource selects how the lateral correction magnitude is obtained.
type HalfWidthSource string

const (
	HalfWidthRecord HalfWidthSource = "record"
	HalfWidthLane   HalfWidthSource = "lane"
	HalfWidthNone   HalfWidthSource = "none"
)

// ErrOriginPending is returned by Aligner.Offset before a first-tick
// aligner has seen a record.
var ErrOriginPending = errors.New("origin offset not yet established")

// AlignerConfig describes how the origin offset is established.
type AlignerConfig struct {
	Strategy Strategy
	// External is the reference point in the external frame (fixed strategy).
	External Point
	// Simulator is the same reference point in the simulator frame.
	Simulator Point
	HalfWidth HalfWidthSource
	// LaneHalfWidth is used when HalfWidth is HalfWidthLane.
	LaneHalfWidth float64
	// LateralSign is +1 or -1; the direction of the half-width correction
	// depends on the two systems' conventions.
	LateralSign float64
}

// Aligner owns the session's origin offset. The offset is computed exactly
// once, either at construction (fixed) or from the first record it observes
// (first-tick), and reused for every later record.
type Aligner struct {
	cfg    AlignerConfig
	offset Offset
	ready  bool
}

// NewAligner validates cfg and, for the fixed strategy, computes the offset.
func NewAligner(cfg AlignerConfig) (*Aligner, error) {
	if cfg.LateralSign == 0 {
		cfg.LateralSign = 1
	}
	if cfg.LateralSign != 1 && cfg.LateralSign != -1 {
		return nil, fmt.Errorf("lateral sign must be +1 or -1, got %v", cfg.LateralSign)
	}
	if cfg.HalfWidth == "" {
		cfg.HalfWidth = HalfWidthNone
	}

	a := &Aligner{cfg: cfg}
	switch cfg.Strategy {
	case StrategyFixed:
		if cfg.HalfWidth == HalfWidthRecord {
			return nil, fmt.Errorf("half width source %q needs a record; use strategy %q", HalfWidthRecord, StrategyFirstTick)
		}
		a.offset = ComputeOriginOffset(cfg.External, cfg.Simulator, a.lateral(nil))
		a.ready = true
	case StrategyFirstTick:
	default:
		return nil, fmt.Errorf("unknown origin strategy %q", cfg.Strategy)
	}
	return a, nil
}

// Observe establishes the offset from rec if it has not been established
// yet. It reports whether this call computed the offset.
func (a *Aligner) Observe(rec Record) bool {
	if a.ready {
		return false
	}
	ext := Point{X: rec.Position.X, Y: rec.Position.Y}
	if rec.Reference != nil {
		ext = rec.Reference.Left
	}
	a.offset = ComputeOriginOffset(ext, a.cfg.Simulator, a.lateral(rec.Reference))
	a.ready = true
	return true
}

// Offset returns the established offset.
func (a *Aligner) Offset() (Offset, error) {
	if !a.ready {
		return Offset{}, ErrOriginPending
	}
	return a.offset, nil
}

func (a *Aligner) lateral(ref *TrackReference) float64 {
	var half float64
	switch a.cfg.HalfWidth {
	case HalfWidthRecord:
		if ref != nil {
			half = ref.HalfWidth()
		}
	case HalfWidthLane:
		half = a.cfg.LaneHalfWidth
	}
	return a.cfg.LateralSign * half
}
