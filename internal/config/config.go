// Package config loads the bridge configuration from a JSON or YAML file, a
// .env file, the process environment and command-line flags, in increasing
// order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/trackbridge/internal/fsutil"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRACKBRIDGE_"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the file-level configuration. Every field is a pointer so that
// partial files keep the defaults supplied by the Get* methods.
type Config struct {
	Listen        *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	Vehicle       *string `json:"vehicle,omitempty" yaml:"vehicle,omitempty"`
	TickMode      *string `json:"tick_mode,omitempty" yaml:"tick_mode,omitempty"`
	Placement     *string `json:"placement,omitempty" yaml:"placement,omitempty"`
	RemoveOnClose *bool   `json:"remove_on_close,omitempty" yaml:"remove_on_close,omitempty"`
	StatsInterval *string `json:"stats_interval,omitempty" yaml:"stats_interval,omitempty"` // duration string like "1m"

	Sumo    SumoConfig    `json:"sumo" yaml:"sumo"`
	Spawn   SpawnConfig   `json:"spawn" yaml:"spawn"`
	Inbound InboundConfig `json:"inbound" yaml:"inbound"`
	Origin  OriginConfig  `json:"origin" yaml:"origin"`
	Route   RouteConfig   `json:"route" yaml:"route"`
	Debug   ServerConfig  `json:"debug" yaml:"debug"`
	GRPC    ServerConfig  `json:"grpc" yaml:"grpc"`
}

// SumoConfig locates the simulator's TraCI endpoint.
type SumoConfig struct {
	Address     *string `json:"address,omitempty" yaml:"address,omitempty"`
	DialTimeout *string `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	IOTimeout   *string `json:"io_timeout,omitempty" yaml:"io_timeout,omitempty"`
}

// SpawnConfig is used when the tracked vehicle has to be re-added.
type SpawnConfig struct {
	Route *string `json:"route,omitempty" yaml:"route,omitempty"`
	Type  *string `json:"type,omitempty" yaml:"type,omitempty"`
}

// InboundConfig selects the inbound record encoding.
type InboundConfig struct {
	Format         *string `json:"format,omitempty" yaml:"format,omitempty"`
	MaxRecordBytes *int    `json:"max_record_bytes,omitempty" yaml:"max_record_bytes,omitempty"`
	ReadBuffer     *int    `json:"read_buffer,omitempty" yaml:"read_buffer,omitempty"`
}

// OriginConfig describes how the two frames' origins are aligned.
type OriginConfig struct {
	Strategy    *string  `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Edge        *string  `json:"edge,omitempty" yaml:"edge,omitempty"`
	Offset      *float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	LaneIndex   *int     `json:"lane_index,omitempty" yaml:"lane_index,omitempty"`
	HalfWidth   *string  `json:"half_width,omitempty" yaml:"half_width,omitempty"`
	LateralSign *int     `json:"lateral_sign,omitempty" yaml:"lateral_sign,omitempty"`
	ExternalX   *float64 `json:"external_x,omitempty" yaml:"external_x,omitempty"`
	ExternalY   *float64 `json:"external_y,omitempty" yaml:"external_y,omitempty"`
}

// RouteConfig bounds the route walk.
type RouteConfig struct {
	MaxLanes *int `json:"max_lanes,omitempty" yaml:"max_lanes,omitempty"`
}

// ServerConfig is an optional listening endpoint; an empty address disables
// it.
type ServerConfig struct {
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Load reads a configuration file. The extension selects the decoder:
// .json, .yaml or .yml.
func Load(path string) (*Config, error) {
	return LoadFS(fsutil.OSFileSystem{}, path)
}

// LoadFS is Load reading from fsys.
func LoadFS(fsys fsutil.FileSystem, path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the values present can be parsed. Range and
// enumeration checks happen on the resolved Settings.
func (c *Config) Validate() error {
	durations := []struct {
		key string
		v   *string
	}{
		{"stats_interval", c.StatsInterval},
		{"sumo.dial_timeout", c.Sumo.DialTimeout},
		{"sumo.io_timeout", c.Sumo.IOTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		if _, err := time.ParseDuration(*d.v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.key, *d.v, err)
		}
	}
	if (c.Origin.ExternalX == nil) != (c.Origin.ExternalY == nil) {
		return errors.New("origin.external_x and origin.external_y must be set together")
	}
	return nil
}

// GetListen returns the inbound listen address or the default.
func (c *Config) GetListen() string { return stringOr(c.Listen, "127.0.0.1:2000") }

// GetVehicle returns the tracked vehicle ID or the default.
func (c *Config) GetVehicle() string { return stringOr(c.Vehicle, "veh0") }

// GetTickMode returns the tick mode or the default.
func (c *Config) GetTickMode() string { return stringOr(c.TickMode, "step") }

// GetPlacement returns the placement mode or the default.
func (c *Config) GetPlacement() string { return stringOr(c.Placement, "distance") }

// GetRemoveOnClose returns whether the vehicle is removed at shutdown.
func (c *Config) GetRemoveOnClose() bool {
	if c.RemoveOnClose == nil {
		return false
	}
	return *c.RemoveOnClose
}

// GetStatsInterval returns the stats log interval or the default.
func (c *Config) GetStatsInterval() time.Duration {
	return durationOr(c.StatsInterval, time.Minute)
}

// GetSumoAddress returns the TraCI address or the default.
func (c *Config) GetSumoAddress() string { return stringOr(c.Sumo.Address, "localhost:2002") }

// GetSumoDialTimeout returns the TraCI dial timeout or the default.
func (c *Config) GetSumoDialTimeout() time.Duration {
	return durationOr(c.Sumo.DialTimeout, 5*time.Second)
}

// GetSumoIOTimeout returns the per-call TraCI I/O timeout or the default.
func (c *Config) GetSumoIOTimeout() time.Duration {
	return durationOr(c.Sumo.IOTimeout, 10*time.Second)
}

// GetSpawnRoute returns the respawn route or the default.
func (c *Config) GetSpawnRoute() string { return stringOr(c.Spawn.Route, "route0") }

// GetSpawnType returns the respawn vehicle type or the default.
func (c *Config) GetSpawnType() string { return stringOr(c.Spawn.Type, "Car") }

// GetInboundFormat returns the inbound format or the default.
func (c *Config) GetInboundFormat() string { return stringOr(c.Inbound.Format, "length-prefixed") }

// GetMaxRecordBytes returns the record size limit or the default.
func (c *Config) GetMaxRecordBytes() int { return intOr(c.Inbound.MaxRecordBytes, 1<<20) }

// GetReadBuffer returns the text read buffer size or the default.
func (c *Config) GetReadBuffer() int { return intOr(c.Inbound.ReadBuffer, 1024) }

// GetOriginStrategy returns the origin strategy or the default.
func (c *Config) GetOriginStrategy() string { return stringOr(c.Origin.Strategy, "first-tick") }

// GetOriginEdge returns the simulator reference edge or the default.
func (c *Config) GetOriginEdge() string { return stringOr(c.Origin.Edge, "0to1") }

// GetOriginOffset returns the offset along the reference edge.
func (c *Config) GetOriginOffset() float64 {
	if c.Origin.Offset == nil {
		return 0
	}
	return *c.Origin.Offset
}

// GetOriginLaneIndex returns the reference lane index.
func (c *Config) GetOriginLaneIndex() int { return intOr(c.Origin.LaneIndex, 0) }

// GetHalfWidth returns the half-width source or the default.
func (c *Config) GetHalfWidth() string {
	if c.Origin.HalfWidth != nil {
		return *c.Origin.HalfWidth
	}
	if c.GetOriginStrategy() == "fixed" {
		return "lane"
	}
	return "record"
}

// GetLateralSign returns the sign of the lateral correction or the default.
func (c *Config) GetLateralSign() int { return intOr(c.Origin.LateralSign, 1) }

// GetMaxLanes returns the route walk bound or the default.
func (c *Config) GetMaxLanes() int { return intOr(c.Route.MaxLanes, 10000) }

// GetDebugListen returns the debug HTTP address or the default.
func (c *Config) GetDebugListen() string { return stringOr(c.Debug.Listen, "localhost:2080") }

// GetGRPCListen returns the gRPC health address or the default.
func (c *Config) GetGRPCListen() string { return stringOr(c.GRPC.Listen, "localhost:2010") }

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
