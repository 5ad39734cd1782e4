package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Key describes one configuration key that can be overridden from the
// environment or the command line.
type Key struct {
	Name  string
	Usage string
	set   func(c *Config, v string) error
}

// Env returns the environment variable for the key.
func (k Key) Env() string {
	return EnvPrefix + strings.ToUpper(strings.NewReplacer(".", "_").Replace(k.Name))
}

var keys = []Key{
	{"listen", "inbound listen address", func(c *Config, v string) error { return setString(&c.Listen, v) }},
	{"vehicle", "tracked vehicle ID", func(c *Config, v string) error { return setString(&c.Vehicle, v) }},
	{"tick_mode", "clock advance per record: step or elapsed", func(c *Config, v string) error { return setString(&c.TickMode, v) }},
	{"placement", "placement mode: distance or xy", func(c *Config, v string) error { return setString(&c.Placement, v) }},
	{"remove_on_close", "remove the vehicle from the simulation at shutdown", func(c *Config, v string) error { return setBool(&c.RemoveOnClose, v) }},
	{"stats_interval", "interval between stats log lines", func(c *Config, v string) error { return setDuration(&c.StatsInterval, v) }},
	{"sumo.address", "SUMO TraCI address", func(c *Config, v string) error { return setString(&c.Sumo.Address, v) }},
	{"sumo.dial_timeout", "TraCI connect timeout", func(c *Config, v string) error { return setDuration(&c.Sumo.DialTimeout, v) }},
	{"sumo.io_timeout", "TraCI per-call timeout (0 disables)", func(c *Config, v string) error { return setDuration(&c.Sumo.IOTimeout, v) }},
	{"spawn.route", "route used to re-add the vehicle", func(c *Config, v string) error { return setString(&c.Spawn.Route, v) }},
	{"spawn.type", "vehicle type used to re-add the vehicle", func(c *Config, v string) error { return setString(&c.Spawn.Type, v) }},
	{"inbound.format", "inbound encoding: length-prefixed or text", func(c *Config, v string) error { return setString(&c.Inbound.Format, v) }},
	{"inbound.max_record_bytes", "largest accepted inbound record", func(c *Config, v string) error { return setInt(&c.Inbound.MaxRecordBytes, v) }},
	{"inbound.read_buffer", "read size for text records", func(c *Config, v string) error { return setInt(&c.Inbound.ReadBuffer, v) }},
	{"origin.strategy", "origin alignment: fixed or first-tick", func(c *Config, v string) error { return setString(&c.Origin.Strategy, v) }},
	{"origin.edge", "simulator reference edge", func(c *Config, v string) error { return setString(&c.Origin.Edge, v) }},
	{"origin.offset", "offset along the reference edge", func(c *Config, v string) error { return setFloat(&c.Origin.Offset, v) }},
	{"origin.lane_index", "reference lane index", func(c *Config, v string) error { return setInt(&c.Origin.LaneIndex, v) }},
	{"origin.half_width", "lateral correction source: record, lane or none", func(c *Config, v string) error { return setString(&c.Origin.HalfWidth, v) }},
	{"origin.lateral_sign", "sign of the lateral correction: 1 or -1", func(c *Config, v string) error { return setInt(&c.Origin.LateralSign, v) }},
	{"origin.external_x", "external reference X for the fixed strategy", func(c *Config, v string) error { return setFloat(&c.Origin.ExternalX, v) }},
	{"origin.external_y", "external reference Y for the fixed strategy", func(c *Config, v string) error { return setFloat(&c.Origin.ExternalY, v) }},
	{"route.max_lanes", "upper bound on lanes in the route", func(c *Config, v string) error { return setInt(&c.Route.MaxLanes, v) }},
	{"debug.listen", "debug HTTP address (empty disables)", func(c *Config, v string) error { return setString(&c.Debug.Listen, v) }},
	{"grpc.listen", "gRPC health address (empty disables)", func(c *Config, v string) error { return setString(&c.GRPC.Listen, v) }},
}

// Keys returns every overridable key, sorted by name.
func Keys() []Key {
	out := append([]Key(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Set overrides one key by name.
func (c *Config) Set(name, value string) error {
	for _, k := range keys {
		if k.Name == name {
			if err := k.set(c, value); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown configuration key %q", name)
}

// LoadEnv collects overrides from the .env file at path (skipped when empty
// or missing) and the process environment, which wins over the file. Only
// TRACKBRIDGE_ variables are returned.
func LoadEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	if path != "" {
		file, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		for k, v := range file {
			if strings.HasPrefix(k, EnvPrefix) {
				env[k] = v
			}
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv applies overrides keyed by environment variable name. Unknown
// TRACKBRIDGE_ variables are an error so that typos are not silently
// ignored.
func (c *Config) ApplyEnv(env map[string]string) error {
	byEnv := make(map[string]Key, len(keys))
	for _, k := range keys {
		byEnv[k.Env()] = k
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k, ok := byEnv[name]
		if !ok {
			return fmt.Errorf("unknown environment override %s", name)
		}
		if err := k.set(c, env[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setString(p **string, v string) error {
	*p = &v
	return nil
}

func setBool(p **bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*p = &b
	return nil
}

func setInt(p **int, v string) error {
	i, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*p = &i
	return nil
}

func setFloat(p **float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*p = &f
	return nil
}

func setDuration(p **string, v string) error {
	if _, err := time.ParseDuration(v); err != nil {
		return err
	}
	*p = &v
	return nil
}
