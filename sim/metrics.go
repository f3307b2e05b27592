// Aggregates end-of-run statistics: tray counts, cycle times, per-station
// occupancy, per-arc blocking and routing outcomes.

package sim

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// StationSummary is the end-of-run view of one station.
type StationSummary struct {
	Vertex          int     `json:"vertex_id"`
	Name            string  `json:"name,omitempty"`
	Admitted        int     `json:"admitted"`
	Served          int     `json:"served"`
	Completed       int     `json:"completed"`
	BlockedArrivals int     `json:"blocked_arrivals"`
	MaxBuffered     int     `json:"max_buffered"`
	MaxBlocked      int     `json:"max_blocked"`
	Utilisation     float64 `json:"utilisation"`
}

// ArcSummary is the end-of-run view of one transfer.
type ArcSummary struct {
	Arc         string  `json:"arc_id"`
	Transits    int     `json:"transits"`
	BlockedTime float64 `json:"blocked_time"`
	MaxWaiting  int     `json:"max_waiting"`
}

// Summary aggregates statistics about a finished run for final reporting.
type Summary struct {
	RunID      string     `json:"run_id"`
	Seed       int64      `json:"seed"`
	EndTime    float64    `json:"end_time"`
	StopReason StopReason `json:"stop_reason"`
	Events     int        `json:"events_executed"`
	Discarded  int        `json:"events_discarded"`

	Injected  int `json:"injected"`
	Completed int `json:"completed"`
	InFlight  int `json:"in_flight"`
	Fallbacks int `json:"fallbacks"`

	MeanCycleTime float64 `json:"mean_cycle_time"`
	P50CycleTime  float64 `json:"p50_cycle_time"`
	P95CycleTime  float64 `json:"p95_cycle_time"`
	MaxCycleTime  float64 `json:"max_cycle_time"`

	Stations []StationSummary `json:"stations"`
	Arcs     []ArcSummary     `json:"arcs"`
	Routing  RoutingStats     `json:"routing"`

	WallTime time.Duration `json:"wall_time_ns"`
}

func (sim *Simulator) summarize(wall time.Duration) *Summary {
	s := &Summary{
		RunID:      sim.RunID,
		Seed:       sim.Config.Seed,
		EndTime:    sim.EndTime,
		StopReason: sim.StopReason,
		Events:     sim.events,
		Discarded:  sim.EventQueue.Len(),
		Injected:   sim.injected,
		Completed:  sim.completed,
		InFlight:   len(sim.active),
		Routing:    sim.RoutingStats(),
		WallTime:   wall,
	}

	cycles := make([]float64, 0, sim.completed)
	for _, t := range sim.trays {
		s.Fallbacks += t.Fallbacks
		if t.Outcome == OutcomeCompleted {
			cycles = append(cycles, t.CycleTime())
		}
	}
	if len(cycles) > 0 {
		sort.Float64s(cycles)
		s.MeanCycleTime = CalculateMean(cycles)
		s.P50CycleTime = CalculatePercentile(cycles, 50)
		s.P95CycleTime = CalculatePercentile(cycles, 95)
		s.MaxCycleTime = cycles[len(cycles)-1]
	}

	for _, id := range sim.Graph.VertexIDs() {
		st := sim.stations[id]
		s.Stations = append(s.Stations, StationSummary{
			Vertex:          int(id),
			Name:            st.Vertex.Name,
			Admitted:        st.Admitted,
			Served:          st.Served,
			Completed:       st.Completed,
			BlockedArrivals: st.BlockedArrivals,
			MaxBuffered:     st.MaxBuffered,
			MaxBlocked:      st.MaxBlocked,
			Utilisation:     st.Utilisation(sim.EndTime),
		})
	}
	for _, id := range sim.Graph.ArcIDs() {
		tr := sim.transfers[id]
		s.Arcs = append(s.Arcs, ArcSummary{
			Arc:         string(id),
			Transits:    tr.Transits,
			BlockedTime: tr.BlockedTime,
			MaxWaiting:  tr.MaxWaiting,
		})
	}
	return s
}

// Print displays the summary at the end of the simulation.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	fmt.Fprintf(w, "Run ID               : %s\n", s.RunID)
	fmt.Fprintf(w, "End Time             : %.3f (%s)\n", s.EndTime, s.StopReason)
	fmt.Fprintf(w, "Events Executed      : %d\n", s.Events)
	if s.Discarded > 0 {
		fmt.Fprintf(w, "Events Discarded     : %d\n", s.Discarded)
	}
	fmt.Fprintf(w, "Injected Trays       : %d\n", s.Injected)
	fmt.Fprintf(w, "Completed Trays      : %d\n", s.Completed)
	fmt.Fprintf(w, "In-Flight Trays      : %d\n", s.InFlight)
	if s.Completed > 0 {
		fmt.Fprintf(w, "Mean Cycle Time      : %.3f\n", s.MeanCycleTime)
		fmt.Fprintf(w, "P50 Cycle Time       : %.3f\n", s.P50CycleTime)
		fmt.Fprintf(w, "P95 Cycle Time       : %.3f\n", s.P95CycleTime)
		fmt.Fprintf(w, "Max Cycle Time       : %.3f\n", s.MaxCycleTime)
	}

	fmt.Fprintln(w, "=== Stations ===")
	for _, st := range s.Stations {
		fmt.Fprintf(w, "  %-4d %-14s served=%-6d blocked=%-5d max_buffered=%-4d util=%.3f\n",
			st.Vertex, st.Name, st.Served, st.BlockedArrivals, st.MaxBuffered, st.Utilisation)
	}
	fmt.Fprintln(w, "=== Arcs ===")
	for _, a := range s.Arcs {
		fmt.Fprintf(w, "  %-14s transits=%-6d blocked_time=%.3f max_waiting=%d\n",
			a.Arc, a.Transits, a.BlockedTime, a.MaxWaiting)
	}

	if s.Routing.Queries > 0 {
		fmt.Fprintln(w, "=== Routing ===")
		fmt.Fprintf(w, "Queries              : %d\n", s.Routing.Queries)
		fmt.Fprintf(w, "Controller Decisions : %d\n", s.Routing.Controller)
		fmt.Fprintf(w, "Default Decisions    : %d\n", s.Routing.Defaults)
		fmt.Fprintf(w, "Timeouts             : %d\n", s.Routing.Timeouts)
		fmt.Fprintf(w, "Errors               : %d\n", s.Routing.Errors)
		fmt.Fprintf(w, "Late Replies         : %d\n", s.Routing.LateReplies)
		if s.Routing.Abandoned > 0 {
			fmt.Fprintf(w, "Abandoned            : %d\n", s.Routing.Abandoned)
		}
	}
	fmt.Fprintf(w, "Wall Time            : %s\n", s.WallTime.Round(time.Millisecond))
}
