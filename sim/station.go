package sim

import (
	"math/rand/v2"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// StationState is derived from a station's occupancy.
type StationState string

const (
	StationIdle     StationState = "idle"     // no trays
	StationBuffered StationState = "buffered" // trays waiting, no free slot
	StationServing  StationState = "serving"  // at least one tray in service
	StationDraining StationState = "draining" // finished trays waiting on arcs or routing
)

// arrival is a tray at a station's entry. via is nil for injected trays.
type arrival struct {
	tray      *Tray
	via       *Transfer
	slot      int
	arrivedAt float64
}

// Station is the process for one vertex. It alone mutates its buffer, its
// service slots and its queue of blocked arrivals.
//
// Buffer places: a tray admitted with a free place keeps it until its
// service ends. When every place is taken (or capacity is 0) a tray may
// still enter by direct hand-off if a slot is free and nobody is buffered.
type Station struct {
	Vertex *graph.Vertex

	service dist.Sampler
	out     []*Transfer
	subject string

	buffer   TrayQueue
	blocked  []*arrival // earliest-blocked-first
	held     int        // buffer places in use
	busy     int        // occupied service slots
	serving  int
	routing  int
	draining int

	// statistics
	Admitted        int
	Served          int
	Completed       int
	BlockedArrivals int
	MaxBuffered     int
	MaxBlocked      int
	busyArea        float64
	lastBusyChange  float64
}

func newStation(v *graph.Vertex, service dist.Sampler) *Station {
	return &Station{Vertex: v, service: service, subject: strconv.Itoa(int(v.ID))}
}

// State reports the station's current state.
func (st *Station) State() StationState {
	switch {
	case st.serving > 0:
		return StationServing
	case st.routing > 0 || st.draining > 0:
		return StationDraining
	case st.buffer.Len() > 0:
		return StationBuffered
	default:
		return StationIdle
	}
}

// Buffered returns the number of admitted trays waiting for a slot.
func (st *Station) Buffered() int { return st.buffer.Len() }

// Busy returns the number of occupied service slots.
func (st *Station) Busy() int { return st.busy }

// Blocked returns the number of arrivals waiting for admission.
func (st *Station) Blocked() int { return len(st.blocked) }

// Outgoing returns the station's transfers in document order.
func (st *Station) Outgoing() []*Transfer { return st.out }

func (st *Station) hasPlace() bool {
	return st.Vertex.IsUnbounded() || st.held < st.Vertex.BufferCapacity
}

func (st *Station) freeSlots() int {
	return st.Vertex.ServiceSlots - st.busy
}

func (st *Station) admissible() bool {
	return st.hasPlace() || (st.buffer.Len() == 0 && st.freeSlots() > 0)
}

// arrive handles a tray at the entry. Blocked arrivals are served in the
// order they blocked, so a newcomer never overtakes them.
func (st *Station) arrive(sim *Simulator, a *arrival) {
	if len(st.blocked) == 0 && st.admissible() {
		st.admit(sim, a)
		st.pump(sim)
		return
	}
	st.blocked = append(st.blocked, a)
	st.BlockedArrivals++
	if len(st.blocked) > st.MaxBlocked {
		st.MaxBlocked = len(st.blocked)
	}
	if a.via != nil {
		logrus.Debugf("[t=%.3f] tray %d blocked on arc %s by full station %s", sim.Clock, a.tray.ID, a.via.Arc.ID, st.Vertex)
	} else {
		logrus.Debugf("[t=%.3f] injected tray %d blocked at full station %s", sim.Clock, a.tray.ID, st.Vertex)
	}
}

func (st *Station) admit(sim *Simulator, a *arrival) {
	tray := a.tray
	if a.via != nil {
		var md map[string]string
		if waited := sim.Clock - a.arrivedAt; waited > 0 {
			md = map[string]string{trace.MetaBlockedFor: trace.FormatTime(waited)}
		}
		sim.emit(trace.KindTransferEnd, tray, string(a.via.Arc.ID), md)
		tray.closeVisit(sim.Clock, VisitArc)
		sim.schedule(&SlotReleaseEvent{time: sim.Clock, transfer: a.via, slot: a.slot})
	}
	if st.hasPlace() {
		tray.heldPlace = true
		st.held++
	}
	tray.moveTo(sim.Clock, Location{Kind: LocBuffered, Vertex: st.Vertex.ID})
	tray.openVisit(sim.Clock, VisitVertex, st.subject, "")
	st.buffer.Enqueue(tray)
	st.Admitted++
	sim.emit(trace.KindEnqueued, tray, st.subject, nil)
}

// pump starts service for buffered trays and admits blocked arrivals until
// neither is possible.
func (st *Station) pump(sim *Simulator) {
	for {
		if st.buffer.Len() > 0 && st.freeSlots() > 0 {
			st.startService(sim)
			continue
		}
		if len(st.blocked) > 0 && st.admissible() {
			a := st.blocked[0]
			st.blocked[0] = nil
			st.blocked = st.blocked[1:]
			st.admit(sim, a)
			continue
		}
		break
	}
	st.checkInvariants(sim)
}

func (st *Station) startService(sim *Simulator) {
	tray := st.buffer.Dequeue()
	st.setBusy(sim.Clock, st.busy+1)
	st.serving++
	sim.emit(trace.KindDequeued, tray, st.subject, nil)
	tray.moveTo(sim.Clock, Location{Kind: LocInService, Vertex: st.Vertex.ID})
	d := st.service.Sample()
	sim.emit(trace.KindServiceStart, tray, st.subject, map[string]string{trace.MetaDuration: trace.FormatTime(d)})
	sim.schedule(&ServiceEndEvent{time: sim.Clock + d, station: st, tray: tray})
}

func (st *Station) serviceEnd(sim *Simulator, tray *Tray) {
	sim.emit(trace.KindServiceEnd, tray, st.subject, nil)
	st.serving--
	st.Served++
	if tray.heldPlace {
		tray.heldPlace = false
		st.held--
	}
	switch {
	case len(st.out) == 0:
		tray.closeVisit(sim.Clock, VisitVertex)
		tray.moveTo(sim.Clock, Location{Kind: LocCompleted})
		st.setBusy(sim.Clock, st.busy-1)
		st.Completed++
		sim.complete(tray, st.subject)
	case sim.router == nil:
		tr := st.chooseStatic(sim.routeRNG)
		if sim.Trace.Enabled() {
			sim.recordRouting(trace.RoutingRecord{
				TrayID:     int(tray.ID),
				VertexID:   int(st.Vertex.ID),
				Clock:      sim.Clock,
				Candidates: arcIDStrings(st.Vertex.Out),
				Chosen:     string(tr.Arc.ID),
				Mode:       string(RouteStatic),
			})
		}
		st.dispatch(sim, tray, tr, RouteStatic, "")
	default:
		tray.moveTo(sim.Clock, Location{Kind: LocAwaitingRoute, Vertex: st.Vertex.ID})
		st.routing++
		sim.router.query(sim, st, tray)
	}
	st.pump(sim)
}

// resolveRoute resumes a tray that was waiting on the routing controller.
func (st *Station) resolveRoute(sim *Simulator, tray *Tray, tr *Transfer, mode RoutingMode, reason string) {
	if tray.Location.Kind != LocAwaitingRoute || tray.Location.Vertex != st.Vertex.ID {
		violatef(sim.Clock, "tray %d resolved at station %s while %s", tray.ID, st.Vertex, tray.Location)
	}
	st.routing--
	st.dispatch(sim, tray, tr, mode, reason)
	st.pump(sim)
}

// dispatch hands a routed tray to its transfer. With hold-until-accepted the
// slot stays occupied until the transfer confirms; otherwise it frees now.
func (st *Station) dispatch(sim *Simulator, tray *Tray, tr *Transfer, mode RoutingMode, reason string) {
	hold := !sim.Config.ReleaseOnDecision
	if hold {
		tray.moveTo(sim.Clock, Location{Kind: LocDraining, Vertex: st.Vertex.ID})
		st.draining++
	} else {
		tray.moveTo(sim.Clock, Location{Kind: LocQueuedOnArc, Vertex: st.Vertex.ID, Arc: tr.Arc.ID})
		st.setBusy(sim.Clock, st.busy-1)
	}
	if mode == RouteFallback {
		tray.Fallbacks++
	}
	sim.schedule(&DepartureRequestEvent{
		time:      sim.Clock,
		transfer:  tr,
		departure: departure{tray: tray, from: st, mode: mode, reason: reason, hold: hold},
	})
}

// departed frees the slot of a drained tray once its transfer accepted it.
func (st *Station) departed(sim *Simulator, tray *Tray) {
	if st.draining == 0 {
		violatef(sim.Clock, "station %s released tray %d with nothing draining", st.Vertex, tray.ID)
	}
	st.draining--
	st.setBusy(sim.Clock, st.busy-1)
	st.pump(sim)
}

// chooseStatic picks an outgoing transfer by weight; weight 0 is never chosen.
func (st *Station) chooseStatic(r *rand.Rand) *Transfer {
	var positive []*Transfer
	total := 0.0
	for _, tr := range st.out {
		if tr.Arc.Weight > 0 {
			positive = append(positive, tr)
			total += tr.Arc.Weight
		}
	}
	if len(positive) == 1 {
		return positive[0]
	}
	x := r.Float64() * total
	for _, tr := range positive {
		if x < tr.Arc.Weight {
			return tr
		}
		x -= tr.Arc.Weight
	}
	return positive[len(positive)-1]
}

func (st *Station) outByID(id string) *Transfer {
	for _, tr := range st.out {
		if string(tr.Arc.ID) == id {
			return tr
		}
	}
	return nil
}

func (st *Station) setBusy(now float64, busy int) {
	st.busyArea += float64(st.busy) * (now - st.lastBusyChange)
	st.lastBusyChange = now
	st.busy = busy
}

// Utilisation is the mean fraction of slots occupied over [0, end].
func (st *Station) Utilisation(end float64) float64 {
	if end <= 0 {
		return 0
	}
	area := st.busyArea + float64(st.busy)*(end-st.lastBusyChange)
	return area / (end * float64(st.Vertex.ServiceSlots))
}

func (st *Station) checkInvariants(sim *Simulator) {
	if st.busy < 0 || st.busy > st.Vertex.ServiceSlots {
		violatef(sim.Clock, "station %s has %d busy slots of %d", st.Vertex, st.busy, st.Vertex.ServiceSlots)
	}
	if st.busy != st.serving+st.routing+st.draining {
		violatef(sim.Clock, "station %s slot accounting: busy=%d serving=%d routing=%d draining=%d",
			st.Vertex, st.busy, st.serving, st.routing, st.draining)
	}
	if !st.Vertex.IsUnbounded() && st.held > st.Vertex.BufferCapacity {
		violatef(sim.Clock, "station %s holds %d places beyond capacity %d", st.Vertex, st.held, st.Vertex.BufferCapacity)
	}
	if !st.Vertex.IsUnbounded() && st.buffer.Len() > st.Vertex.BufferCapacity {
		violatef(sim.Clock, "station %s buffers %d trays beyond capacity %d", st.Vertex, st.buffer.Len(), st.Vertex.BufferCapacity)
	}
	if st.buffer.Len() > st.MaxBuffered {
		st.MaxBuffered = st.buffer.Len()
	}
}
