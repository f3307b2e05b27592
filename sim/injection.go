package sim

import (
	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// injector is one configured source of trays.
type injector struct {
	index        int
	cfg          InjectionConfig
	station      *Station
	interarrival dist.Sampler // nil for explicit times
	emitted      int
}

func (in *injector) name() string {
	return SubsystemInjection(in.index)
}

// more reports whether an interarrival source should schedule another tray.
func (in *injector) more() bool {
	return in.interarrival != nil && (in.cfg.Count == 0 || in.emitted < in.cfg.Count)
}

// start schedules the source's first injections.
func (in *injector) start(sim *Simulator) {
	if in.interarrival == nil {
		for _, t := range in.cfg.sortedTimes() {
			sim.schedule(&InjectionEvent{time: t, station: in.station, source: in})
		}
		return
	}
	if in.more() {
		sim.schedule(&InjectionEvent{time: in.cfg.Start, station: in.station, source: in})
	}
}

// injectTray creates a tray at st's entry and, for a recurring source,
// schedules the next one.
func (sim *Simulator) injectTray(st *Station, src *injector) {
	sim.nextTrayID++
	tray := newTray(sim.nextTrayID, sim.Clock, st.Vertex.ID)
	sim.active[tray.ID] = tray
	sim.trays = append(sim.trays, tray)
	sim.injected++

	source := "manual"
	if src != nil {
		source = src.name()
		src.emitted++
	}
	sim.emit(trace.KindInjected, tray, st.subject, map[string]string{trace.MetaSource: source})
	tray.moveTo(sim.Clock, Location{Kind: LocArriving, Vertex: st.Vertex.ID})
	sim.schedule(&ArrivalEvent{time: sim.Clock, station: st, arrival: &arrival{tray: tray, arrivedAt: sim.Clock}})

	if src != nil && src.more() {
		sim.schedule(&InjectionEvent{time: sim.Clock + src.interarrival.Sample(), station: st, source: src})
	}
}
