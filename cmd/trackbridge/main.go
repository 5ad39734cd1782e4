package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/trackbridge/internal/bridge"
	"github.com/banshee-data/trackbridge/internal/config"
	"github.com/banshee-data/trackbridge/internal/inbound"
	"github.com/banshee-data/trackbridge/internal/monitor"
	"github.com/banshee-data/trackbridge/internal/monitoring"
	"github.com/banshee-data/trackbridge/internal/pose"
	"github.com/banshee-data/trackbridge/internal/relocate"
	"github.com/banshee-data/trackbridge/internal/route"
	"github.com/banshee-data/trackbridge/internal/traci"
	"github.com/banshee-data/trackbridge/internal/version"
)

// simulator is the link run drives: a TraCI client in production.
type simulator interface {
	bridge.Simulator
	io.Closer
}

// dialFunc connects to the simulator named by the settings.
type dialFunc func(ctx context.Context, s config.Settings) (simulator, error)

var _ simulator = (*traci.Client)(nil)

// options holds the command-line flags that are not configuration keys.
type options struct {
	configPath  string
	envFile     string
	replayPath  string
	replayPort  int
	replaySpeed float64
	routePlot   string
	showVersion bool

	// keys holds one flag per configuration key; only flags set on the
	// command line are applied.
	keys map[string]*string
	set  map[string]bool
}

func newFlagSet(name string) (*flag.FlagSet, *options) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	o := &options{keys: map[string]*string{}, set: map[string]bool{}}
	fs.StringVar(&o.configPath, "config", "", "JSON or YAML configuration file")
	fs.StringVar(&o.envFile, "env-file", ".env", "dotenv file with "+config.EnvPrefix+" overrides")
	fs.StringVar(&o.replayPath, "replay", "", "replay inbound records from a pcap capture instead of listening")
	fs.IntVar(&o.replayPort, "replay-port", 2000, "TCP destination port of the inbound stream in the capture")
	fs.Float64Var(&o.replaySpeed, "replay-speed", 0, "replay pacing factor (0 replays as fast as possible)")
	fs.StringVar(&o.routePlot, "route-plot", "", "write a plot of the route to this file (png, svg or pdf)")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	for _, k := range config.Keys() {
		o.keys[k.Name] = fs.String(k.Name, "", fmt.Sprintf("%s (env %s)", k.Usage, k.Env()))
	}
	return fs, o
}

func parseFlags(fs *flag.FlagSet, o *options, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if _, ok := o.keys[f.Name]; ok {
			o.set[f.Name] = true
		}
	})
	return nil
}

// loadSettings layers defaults, the config file, .env and environment
// overrides, and explicitly set flags.
func loadSettings(o *options) (config.Settings, error) {
	cfg := &config.Config{}
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Settings{}, err
		}
	}
	env, err := config.LoadEnv(o.envFile)
	if err != nil {
		return config.Settings{}, err
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return config.Settings{}, err
	}
	for name := range o.set {
		if err := cfg.Set(name, *o.keys[name]); err != nil {
			return config.Settings{}, err
		}
	}
	return cfg.Resolve()
}

func sessionConfig(s config.Settings) bridge.Config {
	cfg := bridge.Config{
		Vehicle:    s.Vehicle,
		SpawnRoute: s.SpawnRoute,
		SpawnType:  s.SpawnType,
		TickMode:   relocate.TickMode(s.TickMode),
		Placement:  bridge.PlacementMode(s.Placement),
		Origin: bridge.OriginConfig{
			Strategy:    pose.Strategy(s.OriginStrategy),
			Edge:        s.OriginEdge,
			Offset:      s.OriginOffset,
			LaneIndex:   s.OriginLaneIndex,
			HalfWidth:   pose.HalfWidthSource(s.HalfWidth),
			LateralSign: float64(s.LateralSign),
		},
		MaxLanes:      s.MaxLanes,
		RemoveOnClose: s.RemoveOnClose,
		StatsInterval: s.StatsInterval,
	}
	if s.External != nil {
		cfg.Origin.External = pose.Point{X: s.External[0], Y: s.External[1]}
	}
	return cfg
}

func decodeOptions(s config.Settings) inbound.DecodeOptions {
	return inbound.DecodeOptions{
		Format:         inbound.Format(s.InboundFormat),
		Vehicle:        s.Vehicle,
		MaxRecordBytes: s.MaxRecordBytes,
		ReadBuffer:     s.ReadBuffer,
	}
}

func writeRoutePlot(session *bridge.Session, target, vehicle string) error {
	path, err := monitor.RoutePlotPath(target, vehicle)
	if err != nil {
		return err
	}
	if err := monitor.WriteRoutePlot(session.Route(), path); err != nil {
		return err
	}
	log.Printf("route plot written to %s", path)
	return nil
}

// dialTraCI connects to SUMO and logs the server version.
func dialTraCI(ctx context.Context, s config.Settings) (simulator, error) {
	client, err := traci.Dial(ctx, s.SumoAddress, traci.Options{
		DialTimeout: s.SumoDialTimeout,
		IOTimeout:   s.SumoIOTimeout,
	})
	if err != nil {
		return nil, err
	}
	if apiVersion, ident, err := client.Version(); err == nil {
		log.Printf("[traci] connected to %s (%s, API %d)", s.SumoAddress, ident, apiVersion)
	} else {
		log.Printf("[traci] version query failed: %v", err)
	}
	return client, nil
}

func main() {
	fs, o := newFlagSet(os.Args[0])
	if err := parseFlags(fs, o, os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.InitLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, o, dialTraCI)
	stop()
	os.Exit(code)
}

// run bridges until ctx is done or the session fails and returns the process
// exit code: 0 after a shutdown signal, 1 on any startup or session error.
func run(parent context.Context, o *options, dial dialFunc) int {
	settings, err := loadSettings(o)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return 1
	}
	log.Printf("starting %s", version.String())

	ctx, stop := context.WithCancel(parent)
	defer stop()

	client, err := dial(ctx, settings)
	if err != nil {
		log.Printf("failed to connect to SUMO: %v", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[traci] close: %v", err)
		}
	}()

	session := bridge.NewSession(client, sessionConfig(settings))
	if err := session.Start(); err != nil {
		if route.IsTopologyError(err) {
			log.Printf("cannot build route for vehicle %s: %v", settings.Vehicle, err)
		} else {
			log.Printf("failed to start session: %v", err)
		}
		return 1
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Printf("failed to close session: %v", err)
		}
	}()

	if o.routePlot != "" {
		if err := writeRoutePlot(session, o.routePlot, settings.Vehicle); err != nil {
			log.Printf("failed to write route plot: %v", err)
		}
	}

	var (
		listener *inbound.Listener
		replay   *inbound.Replay
	)
	if o.replayPath != "" {
		replay, err = inbound.OpenReplay(ctx, inbound.ReplayConfig{
			Path:   o.replayPath,
			Port:   o.replayPort,
			Decode: decodeOptions(settings),
			Speed:  o.replaySpeed,
		})
		if err != nil {
			log.Printf("failed to open replay: %v", err)
			return 1
		}
		defer replay.Close()
	} else {
		listener, err = inbound.Listen(inbound.ListenerConfig{
			Address: settings.Listen,
			Decode:  decodeOptions(settings),
		})
		if err != nil {
			var be *inbound.BindError
			if errors.As(err, &be) {
				log.Printf("cannot bind inbound endpoint: %v", err)
			} else {
				log.Printf("failed to start inbound listener: %v", err)
			}
			return 1
		}
		defer listener.Close()
	}

	var wg sync.WaitGroup

	var health *monitor.HealthServer
	if settings.GRPCListen != "" {
		health = monitor.NewHealthServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := health.Listen(settings.GRPCListen); err != nil {
				log.Printf("[gRPC] %v", err)
			}
		}()
		health.SetServing(true)
	}

	if settings.DebugListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := monitor.ServeDebug(ctx, settings.DebugListen, session); err != nil {
				log.Printf("[debug] %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		session.RunStatsLogger(ctx)
	}()

	if replay != nil {
		err = session.Run(ctx, replay)
		if err == nil {
			log.Printf("replay finished after %d packets", replay.Packets())
		}
	} else {
		err = session.Serve(ctx, listener)
	}

	stop()
	if health != nil {
		health.Stop()
	}
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("session ended: %v", err)
		return 1
	}
	log.Print("shutdown complete")
	return 0
}
