// sim/simulator.go
package sim

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// StopReason says why Run returned.
type StopReason string

const (
	StopDrained        StopReason = "drained"         // no events and no outstanding queries
	StopUntil          StopReason = "until"           // next event lies past Stop.Until
	StopCompletedTrays StopReason = "completed_trays" // Stop.CompletedTrays reached
	StopRequested      StopReason = "stopped"         // Stop was called
	StopCancelled      StopReason = "cancelled"       // context cancelled
	StopAborted        StopReason = "aborted"         // sink failure or routing failure threshold
)

// Option configures a Simulator.
type Option func(*Simulator)

// WithSink sends every event record to s.
func WithSink(s trace.Sink) Option {
	return func(sim *Simulator) { sim.sink = s }
}

// WithRoutingController consults c after service at every non-terminal
// vertex instead of choosing by weight.
func WithRoutingController(c RoutingController) Option {
	return func(sim *Simulator) { sim.controller = c }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(sim *Simulator) { sim.RunID = id }
}

// Simulator is the core object that holds simulation time, the station and
// transfer processes, and the event loop. It is driven by a single goroutine;
// only routing replies and Stop cross goroutines.
type Simulator struct {
	Clock      float64
	Config     Config
	Graph      *graph.LabelledGraph
	RunID      string
	EventQueue EventQueue
	Trace      *trace.SimulationTrace

	stations   map[graph.VertexID]*Station
	transfers  map[graph.ArcID]*Transfer
	injectors  []*injector
	trays      []*Tray
	active     map[TrayID]*Tray
	rng        *PartitionedRNG
	routeRNG   *rand.Rand
	controller RoutingController
	router     *router
	sink       trace.Sink
	sinkFailed bool

	seq        uint64
	recordSeq  uint64
	nextTrayID TrayID
	events     int
	injected   int
	completed  int

	stopped   atomic.Bool
	wake      chan struct{}
	err       error
	ran       bool
	startWall time.Time
	summary   *Summary

	EndTime    float64
	StopReason StopReason
}

// NewSimulator binds samplers to their random streams, builds one station per
// vertex and one transfer per arc, and schedules the configured injections.
func NewSimulator(g *graph.LabelledGraph, cfg Config, opts ...Option) (*Simulator, error) {
	if g == nil {
		return nil, errors.New("graph must not be nil")
	}
	if err := cfg.Validate(g); err != nil {
		return nil, fmt.Errorf("invalid run configuration: %w", err)
	}
	sim := &Simulator{
		Config:     cfg,
		Graph:      g,
		EventQueue: make(EventQueue, 0),
		stations:   make(map[graph.VertexID]*Station, g.NumVertices()),
		transfers:  make(map[graph.ArcID]*Transfer, g.NumArcs()),
		active:     make(map[TrayID]*Tray),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(sim)
	}
	if sim.RunID == "" {
		sim.RunID = uuid.NewString()
	}
	if cfg.Trace.Level == trace.TraceLevelDecisions {
		sim.Trace = trace.NewSimulationTrace(cfg.Trace)
	}
	sim.rng = NewPartitionedRNG(NewSimulationKey(cfg.Seed))
	sim.routeRNG = sim.rng.ForSubsystem(SubsystemRouter)

	for _, id := range g.VertexIDs() {
		v := g.Vertex(id)
		s, err := dist.New(v.Service, sim.rng.Source(SubsystemVertex(id)))
		if err != nil {
			return nil, fmt.Errorf("vertex %s: %w", v, err)
		}
		sim.stations[id] = newStation(v, s)
	}
	for _, id := range g.ArcIDs() {
		a := g.Arc(id)
		s, err := dist.New(a.Transfer, sim.rng.Source(SubsystemArc(id)))
		if err != nil {
			return nil, fmt.Errorf("arc %s: %w", id, err)
		}
		sim.transfers[id] = newTransfer(a, s, sim.stations[a.Head])
	}
	for _, st := range sim.stations {
		for _, aid := range st.Vertex.Out {
			st.out = append(st.out, sim.transfers[aid])
		}
	}
	if sim.controller != nil {
		sim.router = newRouter(sim.controller, cfg.Control)
	}

	for i, inj := range cfg.Injections {
		in := &injector{index: i, cfg: inj, station: sim.stations[inj.Vertex]}
		if inj.Interarrival != nil {
			s, err := dist.New(*inj.Interarrival, sim.rng.Source(SubsystemInjection(i)))
			if err != nil {
				return nil, fmt.Errorf("injection %d: %w", i, err)
			}
			in.interarrival = s
		}
		sim.injectors = append(sim.injectors, in)
		in.start(sim)
	}
	return sim, nil
}

// Schedule adds ev to the event queue. Events at equal times run in the
// order they were scheduled.
func (sim *Simulator) Schedule(ev Event) error {
	if t := ev.Timestamp(); t < sim.Clock || math.IsNaN(t) {
		return fmt.Errorf("%w: t=%g < clock %g", ErrPastEvent, t, sim.Clock)
	}
	sim.seq++
	heap.Push(&sim.EventQueue, eventEntry{event: ev, seq: sim.seq})
	return nil
}

// schedule is Schedule for kernel handlers, where a past event is a bug.
func (sim *Simulator) schedule(ev Event) {
	if err := sim.Schedule(ev); err != nil {
		violatef(sim.Clock, "%v (%T)", err, ev)
	}
}

// Inject schedules a single tray at vertex at virtual time at.
func (sim *Simulator) Inject(vertex graph.VertexID, at float64) error {
	st := sim.stations[vertex]
	if st == nil {
		return fmt.Errorf("inject: unknown vertex %d", vertex)
	}
	return sim.Schedule(&InjectionEvent{time: at, station: st})
}

// Step delivers pending routing replies, then executes the earliest event.
// It returns false when the queue is empty.
func (sim *Simulator) Step() bool {
	sim.deliver()
	if sim.EventQueue.Len() == 0 {
		return false
	}
	entry := heap.Pop(&sim.EventQueue).(eventEntry)
	ev := entry.event
	if ev.Timestamp() < sim.Clock {
		violatef(sim.Clock, "clock went backwards to %g executing %T", ev.Timestamp(), ev)
	}
	sim.Clock = ev.Timestamp()
	sim.events++
	logrus.Debugf("[t=%.3f] Executing %T", sim.Clock, ev)
	ev.Execute(sim)
	return true
}

// Run executes events until a stop condition holds. Events still queued
// are discarded and trays still in the line are marked incomplete.
func (sim *Simulator) Run(ctx context.Context) error {
	if sim.ran {
		return ErrAlreadyRun
	}
	sim.ran = true
	sim.startWall = time.Now()
	logrus.Infof("Simulation %s started: %d vertices, %d arcs, seed %d",
		sim.RunID, sim.Graph.NumVertices(), sim.Graph.NumArcs(), sim.Config.Seed)

	reason := sim.loop(ctx)
	sim.finish(reason)

	logrus.Infof("[t=%.3f] Simulation ended (%s): %d injected, %d completed",
		sim.Clock, reason, sim.injected, sim.completed)
	switch {
	case sim.err != nil:
		return sim.err
	case reason == StopCancelled:
		return ctx.Err()
	}
	return nil
}

func (sim *Simulator) loop(ctx context.Context) StopReason {
	for {
		sim.deliver()
		switch {
		case sim.err != nil:
			return StopAborted
		case ctx.Err() != nil:
			return StopCancelled
		case sim.stopped.Load():
			return StopRequested
		case sim.Config.Stop.CompletedTrays > 0 && sim.completed >= sim.Config.Stop.CompletedTrays:
			return StopCompletedTrays
		}

		if sim.EventQueue.Len() == 0 {
			if sim.router == nil || sim.router.outstanding() == 0 {
				return StopDrained
			}
			sim.await(ctx)
			continue
		}
		next := sim.EventQueue.NextTime()
		if until := sim.Config.Stop.Until; until > 0 && next > until {
			sim.Clock = math.Max(sim.Clock, until)
			return StopUntil
		}
		if sim.Config.RealtimeFactor > 0 && !sim.pace(ctx, next) {
			continue
		}
		sim.Step()
	}
}

// Stop asks a running simulation to return after the current event. Safe to
// call from any goroutine.
func (sim *Simulator) Stop() {
	sim.stopped.Store(true)
	select {
	case sim.wake <- struct{}{}:
	default:
	}
}

func (sim *Simulator) deliver() {
	if sim.router != nil {
		sim.router.deliver(sim)
	}
}

func (sim *Simulator) replies() <-chan struct{} {
	if sim.router == nil {
		return nil
	}
	return sim.router.signal()
}

// await blocks while the only pending work is outstanding routing queries.
func (sim *Simulator) await(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-sim.wake:
	case <-sim.replies():
		sim.observeWall(math.Inf(1))
	}
}

// pace holds the next event until its wall-clock due time. It returns false
// when woken early by a reply, Stop or cancellation.
func (sim *Simulator) pace(ctx context.Context, next float64) bool {
	due := sim.startWall.Add(time.Duration(next * sim.Config.RealtimeFactor * float64(time.Second)))
	wait := time.Until(due)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
	case <-sim.wake:
	case <-sim.replies():
		sim.observeWall(next)
	}
	return false
}

// observeWall advances the clock to the virtual time matching the wall clock
// under realtime pacing, never past limit.
func (sim *Simulator) observeWall(limit float64) {
	if sim.Config.RealtimeFactor <= 0 {
		return
	}
	if until := sim.Config.Stop.Until; until > 0 {
		limit = math.Min(limit, until)
	}
	v := time.Since(sim.startWall).Seconds() / sim.Config.RealtimeFactor
	if v > sim.Clock && v <= limit {
		sim.Clock = v
	}
}

// emit appends one record to the event log.
func (sim *Simulator) emit(kind trace.Kind, tray *Tray, subject string, md map[string]string) {
	sim.recordSeq++
	if sim.sink == nil || sim.sinkFailed {
		return
	}
	rec := trace.Record{
		Time:     sim.Clock,
		Seq:      sim.recordSeq,
		Kind:     kind,
		TrayID:   int(tray.ID),
		Subject:  subject,
		Metadata: md,
	}
	if err := sim.sink.Write(rec); err != nil {
		sim.sinkFailed = true
		sim.abort(fmt.Errorf("writing event log: %w", err))
	}
}

// complete finishes tray at the terminal station identified by subject.
func (sim *Simulator) complete(tray *Tray, subject string) {
	tray.CompletedAt = sim.Clock
	tray.Outcome = OutcomeCompleted
	delete(sim.active, tray.ID)
	sim.completed++
	sim.emit(trace.KindTrayCompleted, tray, subject, map[string]string{trace.MetaCycleTime: trace.FormatTime(tray.CycleTime())})
	logrus.Debugf("[t=%.3f] tray %d completed after %.3f", sim.Clock, tray.ID, tray.CycleTime())
}

func (sim *Simulator) recordRouting(r trace.RoutingRecord) {
	if sim.Trace.Enabled() {
		sim.Trace.RecordRouting(r)
	}
}

// abort records the first fatal error; the loop stops before the next event.
func (sim *Simulator) abort(err error) {
	if sim.err == nil {
		sim.err = err
		logrus.Errorf("[t=%.3f] aborting run: %v", sim.Clock, err)
	}
	sim.stopped.Store(true)
}

func (sim *Simulator) finish(reason StopReason) {
	sim.StopReason = reason
	sim.EndTime = sim.Clock
	if sim.router != nil {
		sim.router.close()
	}
	for _, tray := range sim.active {
		tray.Outcome = OutcomeIncomplete
	}
	if n := sim.EventQueue.Len(); n > 0 {
		logrus.Infof("discarding %d pending events", n)
	}
	sim.summary = sim.summarize(time.Since(sim.startWall))
}

// Station returns the process for vertex id, or nil.
func (sim *Simulator) Station(id graph.VertexID) *Station { return sim.stations[id] }

// Transfer returns the process for arc id, or nil.
func (sim *Simulator) Transfer(id graph.ArcID) *Transfer { return sim.transfers[id] }

// Trays returns every tray created so far, in creation order.
func (sim *Simulator) Trays() []*Tray { return sim.trays }

// Tray returns the tray with the given id, or nil.
func (sim *Simulator) Tray(id TrayID) *Tray {
	if id < 1 || int(id) > len(sim.trays) {
		return nil
	}
	return sim.trays[id-1]
}

// Summary returns the run summary, or nil before Run returns.
func (sim *Simulator) Summary() *Summary { return sim.summary }

// RoutingStats returns the controller outcome counters.
func (sim *Simulator) RoutingStats() RoutingStats {
	if sim.router == nil {
		return RoutingStats{}
	}
	return sim.router.stats
}
