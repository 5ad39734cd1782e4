package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings is the fully resolved configuration.
type Settings struct {
	Listen          string        `validate:"required,hostname_port"`
	Vehicle         string        `validate:"required"`
	TickMode        string        `validate:"oneof=step elapsed"`
	Placement       string        `validate:"oneof=distance xy"`
	RemoveOnClose   bool
	StatsInterval   time.Duration `validate:"gte=0"`
	SumoAddress     string        `validate:"required,hostname_port"`
	SumoDialTimeout time.Duration `validate:"gt=0"`
	SumoIOTimeout   time.Duration `validate:"gte=0"`
	SpawnRoute      string        `validate:"required"`
	SpawnType       string        `validate:"required"`
	InboundFormat   string        `validate:"oneof=length-prefixed text"`
	MaxRecordBytes  int           `validate:"gt=0"`
	ReadBuffer      int           `validate:"gt=0"`
	OriginStrategy  string        `validate:"oneof=fixed first-tick"`
	OriginEdge      string        `validate:"required"`
	OriginOffset    float64       `validate:"gte=0"`
	OriginLaneIndex int           `validate:"gte=0"`
	HalfWidth       string        `validate:"oneof=record lane none"`
	LateralSign     int           `validate:"oneof=-1 1"`
	// External is the external reference point; required by the fixed
	// strategy.
	External    *[2]float64
	MaxLanes    int    `validate:"gt=0"`
	DebugListen string `validate:"omitempty,hostname_port"`
	GRPCListen  string `validate:"omitempty,hostname_port"`
}

// Resolve fills defaults for every unset field and validates the result.
func (c *Config) Resolve() (Settings, error) {
	if err := c.Validate(); err != nil {
		return Settings{}, err
	}
	s := Settings{
		Listen:          c.GetListen(),
		Vehicle:         c.GetVehicle(),
		TickMode:        c.GetTickMode(),
		Placement:       c.GetPlacement(),
		RemoveOnClose:   c.GetRemoveOnClose(),
		StatsInterval:   c.GetStatsInterval(),
		SumoAddress:     c.GetSumoAddress(),
		SumoDialTimeout: c.GetSumoDialTimeout(),
		SumoIOTimeout:   c.GetSumoIOTimeout(),
		SpawnRoute:      c.GetSpawnRoute(),
		SpawnType:       c.GetSpawnType(),
		InboundFormat:   c.GetInboundFormat(),
		MaxRecordBytes:  c.GetMaxRecordBytes(),
		ReadBuffer:      c.GetReadBuffer(),
		OriginStrategy:  c.GetOriginStrategy(),
		OriginEdge:      c.GetOriginEdge(),
		OriginOffset:    c.GetOriginOffset(),
		OriginLaneIndex: c.GetOriginLaneIndex(),
		HalfWidth:       c.GetHalfWidth(),
		LateralSign:     c.GetLateralSign(),
		MaxLanes:        c.GetMaxLanes(),
		DebugListen:     c.GetDebugListen(),
		GRPCListen:      c.GetGRPCListen(),
	}
	if c.Origin.ExternalX != nil && c.Origin.ExternalY != nil {
		s.External = &[2]float64{*c.Origin.ExternalX, *c.Origin.ExternalY}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if s.OriginStrategy == "fixed" {
		if s.External == nil {
			return errors.New("origin.strategy fixed requires origin.external_x and origin.external_y")
		}
		if s.HalfWidth == "record" {
			return errors.New("origin.half_width record needs a record and cannot be used with origin.strategy fixed")
		}
	}
	return nil
}
