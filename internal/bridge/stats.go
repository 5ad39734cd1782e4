package bridge

import (
	"context"
	"time"

	"github.com/banshee-data/trackbridge/internal/pose"
	"github.com/banshee-data/trackbridge/internal/relocate"
)

// Stats is a snapshot of session activity.
type Stats struct {
	SessionID string    `json:"session_id"`
	Vehicle   string    `json:"vehicle"`
	Started   time.Time `json:"started"`
	Running   bool      `json:"running"`

	RouteLanes  int     `json:"route_lanes"`
	RouteLength float64 `json:"route_length"`

	Connections     int64 `json:"connections"`
	Records         int64 `json:"records"`
	Ticks           int64 `json:"ticks"`
	InvalidPoses    int64 `json:"invalid_poses"`
	TransportErrors int64 `json:"transport_errors"`
	LinkErrors      int64 `json:"link_errors"`

	Relocation    relocate.Counters   `json:"relocation"`
	Offset        *pose.Offset        `json:"offset,omitempty"`
	LastDistance  float64             `json:"last_distance"`
	LastPlacement *relocate.Placement `json:"last_placement,omitempty"`
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.Relocation = s.relocator.Counters()
	if st.Offset != nil {
		off := *st.Offset
		st.Offset = &off
	}
	if st.LastPlacement != nil {
		p := *st.LastPlacement
		st.LastPlacement = &p
	}
	return st
}

// Ready reports whether the route is built and records can be processed.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.RouteLanes > 0
}

func (s *Session) setRunning(running bool) {
	s.mu.Lock()
	s.stats.Running = running
	s.mu.Unlock()
}

// LogStats writes one summary line.
func (s *Session) LogStats() {
	st := s.Stats()
	s.logf("stats: records=%d ticks=%d invalid=%d transport_errors=%d link_errors=%d respawns=%d connections=%d last_distance=%.2f",
		st.Records, st.Ticks, st.InvalidPoses, st.TransportErrors, st.LinkErrors, st.Relocation.Respawns, st.Connections, st.LastDistance)
}

// RunStatsLogger logs stats every StatsInterval until ctx is done. A zero
// interval disables it.
func (s *Session) RunStatsLogger(ctx context.Context) {
	if s.cfg.StatsInterval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.LogStats()
		}
	}
}
