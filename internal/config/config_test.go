package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trackbridge/internal/fsutil"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolve_Defaults(t *testing.T) {
	s, err := (&Config{}).Resolve()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2000", s.Listen)
	assert.Equal(t, "localhost:2002", s.SumoAddress)
	assert.Equal(t, "veh0", s.Vehicle)
	assert.Equal(t, "route0", s.SpawnRoute)
	assert.Equal(t, "Car", s.SpawnType)
	assert.Equal(t, "step", s.TickMode)
	assert.Equal(t, "distance", s.Placement)
	assert.Equal(t, "length-prefixed", s.InboundFormat)
	assert.Equal(t, 1<<20, s.MaxRecordBytes)
	assert.Equal(t, 1024, s.ReadBuffer)
	assert.Equal(t, "first-tick", s.OriginStrategy)
	assert.Equal(t, "0to1", s.OriginEdge)
	assert.Equal(t, "record", s.HalfWidth)
	assert.Equal(t, 1, s.LateralSign)
	assert.Equal(t, 10000, s.MaxLanes)
	assert.Equal(t, time.Minute, s.StatsInterval)
	assert.False(t, s.RemoveOnClose)
	assert.Equal(t, "localhost:2080", s.DebugListen)
	assert.Equal(t, "localhost:2010", s.GRPCListen)
	assert.Nil(t, s.External)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "bridge.json", `{
  "vehicle": "ego",
  "tick_mode": "elapsed",
  "sumo": {"address": "sumo.local:8813", "io_timeout": "2s"},
  "origin": {"strategy": "fixed", "external_x": 10.5, "external_y": -3},
  "debug": {"listen": ""}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	s, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "ego", s.Vehicle)
	assert.Equal(t, "elapsed", s.TickMode)
	assert.Equal(t, "sumo.local:8813", s.SumoAddress)
	assert.Equal(t, 2*time.Second, s.SumoIOTimeout)
	assert.Equal(t, "fixed", s.OriginStrategy)
	assert.Equal(t, "lane", s.HalfWidth, "fixed origin defaults to the lane half-width")
	assert.Equal(t, &[2]float64{10.5, -3}, s.External)
	assert.Equal(t, "", s.DebugListen, "an explicit empty address disables the server")
	assert.Equal(t, "127.0.0.1:2000", s.Listen, "unset keys keep defaults")
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "bridge.yaml", `
placement: xy
remove_on_close: true
inbound:
  format: text
  read_buffer: 4096
origin:
  lateral_sign: -1
  half_width: none
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	s, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "xy", s.Placement)
	assert.True(t, s.RemoveOnClose)
	assert.Equal(t, "text", s.InboundFormat)
	assert.Equal(t, 4096, s.ReadBuffer)
	assert.Equal(t, -1, s.LateralSign)
	assert.Equal(t, "none", s.HalfWidth)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"extension", "bridge.toml", `listen = "x"`, "extension"},
		{"bad json", "bridge.json", `{"listen": }`, "failed to parse"},
		{"bad duration", "bridge.json", `{"stats_interval": "soon"}`, "stats_interval"},
		{"half reference", "bridge.yml", "origin:\n  external_x: 1\n", "set together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	path := writeFile(t, "big.json", `{"vehicle":"`+strings.Repeat("x", maxFileSize)+`"}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadFS_Memory(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	fsys.Add("etc/bridge.yaml", []byte("vehicle: ego\ninbound:\n  format: text\n"))

	cfg, err := LoadFS(fsys, "etc/bridge.yaml")
	require.NoError(t, err)
	assert.Equal(t, "ego", cfg.GetVehicle())
	assert.Equal(t, "text", cfg.GetInboundFormat())

	_, err = LoadFS(fsys, "etc/missing.yaml")
	assert.ErrorContains(t, err, "failed to stat")

	fsys.Add("big.yaml", []byte(strings.Repeat("#", maxFileSize+1)))
	_, err = LoadFS(fsys, "big.yaml")
	assert.ErrorContains(t, err, "too large")
}

func TestResolve_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"tick mode", "tick_mode", "warp", "TickMode"},
		{"placement", "placement", "lane", "Placement"},
		{"format", "inbound.format", "csv", "InboundFormat"},
		{"sumo address", "sumo.address", "nohost", "SumoAddress"},
		{"lateral sign", "origin.lateral_sign", "2", "LateralSign"},
		{"max lanes", "route.max_lanes", "0", "MaxLanes"},
		{"fixed without reference", "origin.strategy", "fixed", "requires origin.external_x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, cfg.Set(tt.key, tt.val))
			_, err := cfg.Resolve()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolve_FixedWithRecordHalfWidth(t *testing.T) {
	cfg := &Config{}
	for k, v := range map[string]string{
		"origin.strategy":   "fixed",
		"origin.external_x": "1",
		"origin.external_y": "2",
		"origin.half_width": "record",
	} {
		require.NoError(t, cfg.Set(k, v))
	}
	_, err := cfg.Resolve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "half_width")
}

func TestSet(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Set("sumo.address", "10.0.0.1:2002"))
	require.NoError(t, cfg.Set("remove_on_close", "true"))
	require.NoError(t, cfg.Set("origin.offset", "12.5"))

	assert.Equal(t, "10.0.0.1:2002", cfg.GetSumoAddress())
	assert.True(t, cfg.GetRemoveOnClose())
	assert.Equal(t, 12.5, cfg.GetOriginOffset())

	assert.Error(t, cfg.Set("nope", "x"))
	assert.Error(t, cfg.Set("route.max_lanes", "many"))
	assert.Error(t, cfg.Set("stats_interval", "often"))
}

func TestKeys_EnvNames(t *testing.T) {
	names := map[string]string{}
	for _, k := range Keys() {
		names[k.Name] = k.Env()
		assert.NotEmpty(t, k.Usage, k.Name)
	}
	assert.Equal(t, "TRACKBRIDGE_SUMO_ADDRESS", names["sumo.address"])
	assert.Equal(t, "TRACKBRIDGE_ORIGIN_LATERAL_SIGN", names["origin.lateral_sign"])
	assert.Equal(t, "TRACKBRIDGE_LISTEN", names["listen"])
}

func TestLoadEnv_ProcessEnvWinsOverDotenv(t *testing.T) {
	dotenv := writeFile(t, ".env", "TRACKBRIDGE_VEHICLE=fromfile\nTRACKBRIDGE_TICK_MODE=elapsed\nOTHER=ignored\n")
	t.Setenv("TRACKBRIDGE_VEHICLE", "fromenv")

	env, err := LoadEnv(dotenv)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", env["TRACKBRIDGE_VEHICLE"])
	assert.Equal(t, "elapsed", env["TRACKBRIDGE_TICK_MODE"])
	_, ok := env["OTHER"]
	assert.False(t, ok)

	cfg := &Config{}
	require.NoError(t, cfg.ApplyEnv(env))
	assert.Equal(t, "fromenv", cfg.GetVehicle())
	assert.Equal(t, "elapsed", cfg.GetTickMode())
}

func TestLoadEnv_MissingFile(t *testing.T) {
	_, err := LoadEnv(filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestApplyEnv_Errors(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ApplyEnv(map[string]string{"TRACKBRIDGE_VEHICEL": "x"}))
	assert.Error(t, cfg.ApplyEnv(map[string]string{"TRACKBRIDGE_ROUTE_MAX_LANES": "lots"}))
}
