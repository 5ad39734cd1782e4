// Package monitor exposes the running session for inspection: a tsweb debug
// page with counters and route views, a gRPC health service, and a route
// plot written to disk.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/trackbridge/internal/bridge"
	"github.com/banshee-data/trackbridge/internal/httputil"
	"github.com/banshee-data/trackbridge/internal/monitoring"
	"github.com/banshee-data/trackbridge/internal/route"
	"github.com/banshee-data/trackbridge/internal/version"
)

// Session is the read-only view of a bridging session the monitor needs.
type Session interface {
	ID() string
	Route() *route.Route
	Stats() bridge.Stats
	Ready() bool
}

// routeView is the JSON form of a route.
type routeView struct {
	Lanes       int             `json:"lanes"`
	TotalLength float64         `json:"total_length"`
	Segments    []route.Segment `json:"segments"`
	Cumulative  []float64       `json:"cumulative"`
}

// RegisterDebug attaches the debug pages for s to mux under /debug/.
func RegisterDebug(mux *http.ServeMux, s Session) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KV("Session", s.ID())
	debug.KVFunc("Ready", func() any { return s.Ready() })
	debug.KVFunc("Route", func() any {
		rt := s.Route()
		if rt == nil {
			return "not built"
		}
		return fmt.Sprintf("%d lanes, %.2f m", rt.Len(), rt.TotalLength())
	})
	debug.KVFunc("Inbound", func() any {
		st := s.Stats()
		return fmt.Sprintf("connections=%d records=%d transport_errors=%d", st.Connections, st.Records, st.TransportErrors)
	})
	debug.KVFunc("Ticks", func() any {
		st := s.Stats()
		return fmt.Sprintf("ticks=%d invalid=%d link_errors=%d respawns=%d", st.Ticks, st.InvalidPoses, st.LinkErrors, st.Relocation.Respawns)
	})

	debug.HandleFunc("stats", "session counters as JSON", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})
	debug.HandleFunc("route", "route segments as JSON", func(w http.ResponseWriter, r *http.Request) {
		rt := s.Route()
		if rt == nil {
			httputil.NotReady(w, "route")
			return
		}
		httputil.WriteJSONOK(w, routeView{
			Lanes:       rt.Len(),
			TotalLength: rt.TotalLength(),
			Segments:    rt.Segments(),
			Cumulative:  rt.Cumulative(),
		})
	})
	debug.HandleFunc("route-chart", "lane lengths along the route", func(w http.ResponseWriter, r *http.Request) {
		rt := s.Route()
		if rt == nil {
			httputil.NotReady(w, "route")
			return
		}
		var buf bytes.Buffer
		if err := RenderRouteChart(&buf, rt, s.ID()); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
	debug.HandleFunc("route.png", "cumulative route length plot", func(w http.ResponseWriter, r *http.Request) {
		rt := s.Route()
		if rt == nil {
			httputil.NotReady(w, "route")
			return
		}
		var buf bytes.Buffer
		if err := RenderRoutePlot(&buf, rt, "png"); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	})
}

// ServeDebug serves the debug pages for s on addr until ctx is done.
func ServeDebug(ctx context.Context, addr string, s Session) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen on %s: %w", addr, err)
	}
	return serveDebug(ctx, ln, s)
}

func serveDebug(ctx context.Context, ln net.Listener, s Session) error {
	mux := http.NewServeMux()
	RegisterDebug(mux, s)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("[debug] shutdown: %v", err)
		}
	}()

	monitoring.Logf("[debug] serving on http://%s/debug/", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}
