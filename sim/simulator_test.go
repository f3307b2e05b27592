package sim

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

func TestSimulator_SingleSlot_ServesInFIFOOrder(t *testing.T) {
	// GIVEN one unbounded station with a single slot and constant service 5
	g := newLine().vertex(1, -1, 1, constant(5)).build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 1, 2)}}

	// WHEN three trays are injected at t=0,1,2
	sim, mem := runLine(t, g, cfg)

	// THEN service starts are serialised at 0, 5, 10 in injection order
	assert.Equal(t, []float64{0, 5, 10}, timesOf(mem, trace.KindServiceStart, 0))
	starts := mem.OfKind(trace.KindServiceStart)
	for i, r := range starts {
		assert.Equal(t, i+1, r.TrayID)
		assert.Equal(t, "5", r.Metadata[trace.MetaDuration])
	}
	assert.Equal(t, []float64{5, 10, 15}, timesOf(mem, trace.KindTrayCompleted, 0))
	for _, r := range mem.OfKind(trace.KindTrayCompleted) {
		assert.Equal(t, "1", r.Subject, "tray %d completed at the terminal station", r.TrayID)
	}
	assert.Equal(t, StopDrained, sim.StopReason)
	assert.Equal(t, 15.0, sim.EndTime)
}

func TestSimulator_FullDestination_StallsArc(t *testing.T) {
	// GIVEN A -> B where B holds one tray and serves for 10
	g := newLine().
		vertex(1, -1, 1, constant(0)).
		vertex(2, 1, 1, constant(10)).
		arc(1, 2, constant(0), 1).
		build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 1)}}

	// WHEN two trays reach B at t=0 and t=1
	sim, mem := runLine(t, g, cfg)

	// THEN the second tray is only enqueued at B once the first leaves service
	var enqueuedAtB []float64
	for _, r := range mem.OfKind(trace.KindEnqueued) {
		if r.Subject == "2" {
			enqueuedAtB = append(enqueuedAtB, r.Time)
		}
	}
	assert.Equal(t, []float64{0, 10}, enqueuedAtB)

	// AND it waited on the arc, occupying its slot
	ends := mem.OfKind(trace.KindTransferEnd)
	require.Len(t, ends, 2)
	assert.Empty(t, ends[0].Metadata)
	assert.Equal(t, "9", ends[1].Metadata[trace.MetaBlockedFor])
	tr := sim.Transfer("1->2")
	assert.Equal(t, 9.0, tr.BlockedTime)
	assert.Equal(t, 2, tr.Transits)
}

func TestSimulator_BlockedArc_StateWhileStalled(t *testing.T) {
	// GIVEN the stalled arc scenario stopped at t=5
	g := newLine().
		vertex(1, -1, 1, constant(0)).
		vertex(2, 1, 1, constant(10)).
		arc(1, 2, constant(0), 1).
		build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 1)}, Stop: StopConfig{Until: 5}}

	// WHEN the run stops mid-service
	sim, _ := runLine(t, g, cfg)

	// THEN the arc is blocked on its destination and the station is serving
	assert.Equal(t, StopUntil, sim.StopReason)
	assert.Equal(t, 5.0, sim.EndTime)
	assert.Equal(t, TransferBlockedOnDst, sim.Transfer("1->2").State())
	assert.Equal(t, StationServing, sim.Station(2).State())
	assert.Equal(t, 1, sim.Station(2).Blocked())
	assert.Equal(t, LocArriving, sim.Tray(2).Location.Kind)
	assert.Equal(t, OutcomeIncomplete, sim.Tray(2).Outcome)
}

func TestSimulator_StaticRouting_FollowsWeights(t *testing.T) {
	// GIVEN one station splitting 70/30 over two arcs
	g := newLine().
		vertex(1, -1, 1, constant(0)).
		vertex(2, -1, 1, constant(0)).
		vertex(3, -1, 1, constant(0)).
		arc(1, 2, constant(0), 70).
		arc(1, 3, constant(0), 30).
		build(t)
	ia := constant(1)
	cfg := Config{
		Seed:       7,
		Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia, Count: 10000}},
	}

	// WHEN 10,000 trays pass through
	sim, mem := runLine(t, g, cfg)

	// THEN the empirical split is within tolerance of 70/30
	counts := map[string]int{}
	for _, r := range mem.OfKind(trace.KindTransferStart) {
		counts[r.Subject]++
		assert.Equal(t, string(RouteStatic), r.Metadata[trace.MetaRouting])
	}
	require.Equal(t, 10000, counts["1->2"]+counts["1->3"])
	assert.InDelta(t, 0.7, float64(counts["1->2"])/10000, 0.02)
	assert.Equal(t, 10000, sim.Summary().Completed)
}

func TestSimulator_ZeroWeightArc_NeverChosenStatically(t *testing.T) {
	g := newLine().
		vertex(1, -1, 1, constant(0)).
		vertex(2, -1, 1, constant(0)).
		vertex(3, -1, 1, constant(0)).
		arc(1, 2, constant(0), 1).
		arc(1, 3, constant(0), 0).
		build(t)
	ia := constant(1)
	_, mem := runLine(t, g, Config{Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia, Count: 200}}})
	for _, r := range mem.OfKind(trace.KindTransferStart) {
		assert.Equal(t, "1->2", r.Subject)
	}
}

func TestSimulator_Controller_OverridesWeights(t *testing.T) {
	// GIVEN a 70/30 split and a controller that always picks the second candidate
	g := newLine().
		vertex(1, -1, 1, constant(0)).
		vertex(2, -1, 1, constant(0)).
		vertex(3, -1, 1, constant(0)).
		arc(1, 2, constant(0), 70).
		arc(1, 3, constant(0), 30).
		build(t)
	ia := constant(1)
	cfg := Config{Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia, Count: 500}}}
	second := RoutingControllerFunc(func(req RoutingRequest) (RoutingResponse, error) {
		return RoutingResponse{TrayID: req.TrayID, ArcID: req.Candidates[1]}, nil
	})

	// WHEN the run completes
	sim, mem := runLine(t, g, cfg, WithRoutingController(second))

	// THEN every tray took the second arc, marked as a controller decision
	starts := mem.OfKind(trace.KindTransferStart)
	require.Len(t, starts, 500)
	for _, r := range starts {
		assert.Equal(t, "1->3", r.Subject)
		assert.Equal(t, string(RouteController), r.Metadata[trace.MetaRouting])
	}
	stats := sim.RoutingStats()
	assert.Equal(t, 500, stats.Queries)
	assert.Equal(t, 500, stats.Controller)
	assert.Zero(t, stats.Failures())
	for _, tray := range sim.Trays() {
		arcs := tray.ArcsTaken()
		require.Len(t, arcs, 1)
		assert.Equal(t, RouteController, arcs[0].Routing)
	}
}

func stochasticLine(t *testing.T) *graph.LabelledGraph {
	return newLine().
		vertex(1, 2, 1, dist.Spec{Kind: dist.Exponential, Params: []float64{1}}).
		vertex(2, 1, 2, dist.Spec{Kind: dist.Triangular, Params: []float64{0.5, 3, 1}}).
		vertex(3, -1, 1, dist.Spec{Kind: dist.Normal, Params: []float64{1, 0.3}}).
		vertex(4, -1, 1, dist.Spec{Kind: dist.Uniform, Params: []float64{0.1, 0.4}}).
		arc(1, 2, dist.Spec{Kind: dist.Weibull, Params: []float64{1.5, 0.5}}, 1).
		arc(2, 3, dist.Spec{Kind: dist.LogNormal, Params: []float64{-1, 0.25}}, 2).
		arc(2, 4, constant(0.2), 1).
		arc(3, 2, constant(0.1), 1).
		arc(3, 4, constant(0.1), 3).
		build(t)
}

func runToCSV(t *testing.T, g *graph.LabelledGraph, seed int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := trace.NewCSVWriter(&buf)
	ia := dist.Spec{Kind: dist.Exponential, Params: []float64{0.8}}
	cfg := Config{
		Seed:       seed,
		Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia, Count: 300}},
	}
	sim, err := NewSimulator(g, cfg, WithSink(w))
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSimulator_Determinism_SameSeedSameLog(t *testing.T) {
	// GIVEN a stochastic line with blocking and a cycle
	g := stochasticLine(t)

	// WHEN run twice with the same seed
	a := runToCSV(t, g, 42)
	b := runToCSV(t, g, 42)

	// THEN the CSV logs are byte-identical
	assert.Equal(t, a, b)
	assert.Greater(t, bytes.Count(a, []byte("\n")), 300)

	// AND a different seed yields a different log
	assert.NotEqual(t, a, runToCSV(t, g, 43))
}

func TestSimulator_LogOrder_MonotoneAndPaired(t *testing.T) {
	g := stochasticLine(t)
	ia := dist.Spec{Kind: dist.Exponential, Params: []float64{0.5}}
	cfg := Config{Seed: 3, Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia, Count: 200}}}
	sim, mem := runLine(t, g, cfg)

	// timestamps never decrease and seq is strictly increasing
	for i := 1; i < len(mem.Records); i++ {
		assert.GreaterOrEqual(t, mem.Records[i].Time, mem.Records[i-1].Time)
		assert.Greater(t, mem.Records[i].Seq, mem.Records[i-1].Seq)
	}

	// every transfer_start is followed by that tray's transfer_end on the same arc
	for _, tray := range sim.Trays() {
		recs := mem.ByTray(int(tray.ID))
		require.NotEmpty(t, recs)
		assert.Equal(t, trace.KindInjected, recs[0].Kind)
		assert.Equal(t, trace.KindTrayCompleted, recs[len(recs)-1].Kind)
		for i, r := range recs {
			if r.Kind != trace.KindTransferStart {
				continue
			}
			require.Less(t, i+1, len(recs))
			assert.Equal(t, trace.KindTransferEnd, recs[i+1].Kind)
			assert.Equal(t, r.Subject, recs[i+1].Subject)
		}
	}
}

func TestSimulator_StopUntil_CountsInFlight(t *testing.T) {
	// GIVEN a slow line with an unbounded source
	g := newLine().
		vertex(1, -1, 1, constant(2)).
		vertex(2, -1, 1, constant(3)).
		arc(1, 2, constant(1), 1).
		build(t)
	ia := constant(1)
	cfg := Config{
		Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia}},
		Stop:       StopConfig{Until: 50},
	}

	// WHEN the run stops at t=50
	sim, _ := runLine(t, g, cfg)
	sum := sim.Summary()

	// THEN injected = completed + in-flight and pending events were discarded
	require.NotNil(t, sum)
	assert.Equal(t, StopUntil, sum.StopReason)
	assert.Equal(t, 50.0, sum.EndTime)
	assert.Equal(t, sum.Injected, sum.Completed+sum.InFlight)
	assert.Positive(t, sum.InFlight)
	assert.Positive(t, sum.Discarded)
	incomplete := 0
	for _, tray := range sim.Trays() {
		if tray.Outcome == OutcomeIncomplete {
			incomplete++
		}
	}
	assert.Equal(t, sum.InFlight, incomplete)
}

func TestSimulator_StopCompletedTrays(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	ia := constant(1)
	cfg := Config{
		Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia}},
		Stop:       StopConfig{CompletedTrays: 25},
	}
	sim, mem := runLine(t, g, cfg)
	assert.Equal(t, StopCompletedTrays, sim.StopReason)
	assert.Len(t, mem.OfKind(trace.KindTrayCompleted), 25)
}

type probeEvent struct {
	at  float64
	log *[]float64
}

func (e *probeEvent) Timestamp() float64 { return e.at }

func (e *probeEvent) Execute(sim *Simulator) { *e.log = append(*e.log, sim.Clock) }

func TestSchedule_EqualTimes_RunInSchedulingOrder(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	sim, err := NewSimulator(g, Config{})
	require.NoError(t, err)

	var order []float64
	for _, at := range []float64{3, 1, 2, 1} {
		require.NoError(t, sim.Schedule(&probeEvent{at: at, log: &order}))
	}
	for sim.Step() {
	}
	assert.Equal(t, []float64{1, 1, 2, 3}, order)
}

func TestSchedule_PastEvent_Rejected(t *testing.T) {
	// GIVEN a simulator whose clock has reached 5
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	sim, err := NewSimulator(g, Config{})
	require.NoError(t, err)
	var log []float64
	require.NoError(t, sim.Schedule(&probeEvent{at: 5, log: &log}))
	require.True(t, sim.Step())

	// WHEN scheduling at t=4
	err = sim.Schedule(&probeEvent{at: 4, log: &log})

	// THEN it is rejected and the queue is unchanged
	assert.ErrorIs(t, err, ErrPastEvent)
	assert.Zero(t, sim.EventQueue.Len())
	assert.ErrorIs(t, sim.Inject(1, 1), ErrPastEvent)
}

func TestSimulator_Inject(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	mem := &trace.Memory{}
	sim, err := NewSimulator(g, Config{}, WithSink(mem))
	require.NoError(t, err)

	require.NoError(t, sim.Inject(1, 2.5))
	assert.Error(t, sim.Inject(9, 0))
	require.NoError(t, sim.Run(context.Background()))

	injected := mem.OfKind(trace.KindInjected)
	require.Len(t, injected, 1)
	assert.Equal(t, 2.5, injected[0].Time)
	assert.Equal(t, "manual", injected[0].Metadata[trace.MetaSource])
	assert.Equal(t, 3.5, sim.EndTime)
}

func TestSimulator_RunTwice(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	sim, err := NewSimulator(g, Config{Injections: []InjectionConfig{injectAt(1, 0)}})
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))
	assert.ErrorIs(t, sim.Run(context.Background()), ErrAlreadyRun)
}

func TestSimulator_CancelledContext(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	sim, err := NewSimulator(g, Config{Injections: []InjectionConfig{injectAt(1, 0, 1, 2)}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sim.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, sim.StopReason)
	assert.Equal(t, 3, sim.Summary().Discarded)
}

type failingSink struct {
	okWrites int
	writes   int
}

var errDiskFull = errors.New("disk full")

func (s *failingSink) Write(trace.Record) error {
	s.writes++
	if s.writes > s.okWrites {
		return errDiskFull
	}
	return nil
}

func (s *failingSink) Close() error { return nil }

func TestSimulator_SinkFailure_AbortsRun(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	sink := &failingSink{okWrites: 4}
	sim, err := NewSimulator(g, Config{Injections: []InjectionConfig{injectAt(1, 0, 1, 2, 3)}}, WithSink(sink))
	require.NoError(t, err)

	err = sim.Run(context.Background())

	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, StopAborted, sim.StopReason)
	assert.Equal(t, 5, sink.writes, "no writes after the failure")
}

func TestNewSimulator_RejectsInvalidConfig(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(1)).build(t)
	ia := constant(1)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown vertex", Config{Injections: []InjectionConfig{injectAt(7, 0)}}},
		{"negative time", Config{Injections: []InjectionConfig{injectAt(1, -1)}}},
		{"unbounded without stop", Config{Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia}}}},
		{"times and interarrival", Config{Injections: []InjectionConfig{{Vertex: 1, Interarrival: &ia, Times: []float64{1}}}}},
		{"no schedule", Config{Injections: []InjectionConfig{{Vertex: 1}}}},
		{"bad failure rate", Config{Control: ControlConfig{MaxFailureRate: 2}}},
		{"bad trace level", Config{Trace: trace.TraceConfig{Level: "verbose"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimulator(g, tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSimulator_RealtimePacing_ThrottlesWallClock(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(10)).build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 10)}, RealtimeFactor: 0.002}

	sim, mem := runLine(t, g, cfg)

	assert.Equal(t, []float64{10, 20}, timesOf(mem, trace.KindTrayCompleted, 0))
	assert.GreaterOrEqual(t, sim.Summary().WallTime.Milliseconds(), int64(35))
}

func TestSimulator_DecisionTrace(t *testing.T) {
	g := newLine().
		vertex(1, -1, 1, constant(1)).
		vertex(2, -1, 1, constant(1)).
		vertex(3, -1, 1, constant(1)).
		arc(1, 2, constant(1), 1).
		arc(1, 3, constant(1), 1).
		build(t)
	cfg := Config{
		Injections: []InjectionConfig{injectAt(1, 0, 1, 2, 3)},
		Trace:      trace.TraceConfig{Level: trace.TraceLevelDecisions},
	}
	sim, _ := runLine(t, g, cfg)

	require.Len(t, sim.Trace.Routings, 4)
	sum := trace.Summarize(sim.Trace)
	assert.Equal(t, 4, sum.ModeCounts[string(RouteStatic)])
	assert.Equal(t, []string{"1->2", "1->3"}, sim.Trace.Routings[0].Candidates)
}

func TestSummary_Print(t *testing.T) {
	g := newLine().vertex(1, -1, 1, constant(2)).build(t)
	sim, _ := runLine(t, g, Config{Injections: []InjectionConfig{injectAt(1, 0, 0)}})

	var buf bytes.Buffer
	sim.Summary().Print(&buf)

	out := buf.String()
	assert.Contains(t, out, "=== Simulation Metrics ===")
	assert.Contains(t, out, "Completed Trays      : 2")
	assert.Contains(t, out, "Mean Cycle Time      : 3.000")
	assert.Equal(t, 1.0, sim.Summary().Stations[0].Utilisation)
}
