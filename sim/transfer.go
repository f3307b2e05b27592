package sim

import (
	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// TransferState is the state of one arc slot, or of the arc as a whole.
type TransferState string

const (
	TransferIdle         TransferState = "idle"
	TransferInTransit    TransferState = "in_transit"
	TransferBlockedOnDst TransferState = "blocked_on_destination"
)

// departure is a routed tray waiting for an arc slot.
type departure struct {
	tray   *Tray
	from   *Station
	mode   RoutingMode
	reason string
	hold   bool // the source slot stays occupied until acceptance
}

type transitSlot struct {
	tray      *Tray
	state     TransferState
	startedAt float64
	arrivedAt float64
}

// Transfer is the process for one arc. It alone mutates its transit slots
// and its queue of waiting departures. A slot stays occupied from acceptance
// until the destination admits the tray, so a full destination stalls
// further departures along the arc.
type Transfer struct {
	Arc *graph.Arc

	transit dist.Sampler
	dest    *Station
	slots   []transitSlot
	waiting []departure

	// statistics
	Transits    int
	BlockedTime float64
	MaxWaiting  int
}

func newTransfer(a *graph.Arc, transit dist.Sampler, dest *Station) *Transfer {
	slots := make([]transitSlot, a.Slots)
	for i := range slots {
		slots[i].state = TransferIdle
	}
	return &Transfer{Arc: a, transit: transit, dest: dest, slots: slots}
}

// State is BlockedOnDestination if any slot is blocked, InTransit if any
// slot is moving, Idle otherwise.
func (tr *Transfer) State() TransferState {
	state := TransferIdle
	for _, s := range tr.slots {
		switch s.state {
		case TransferBlockedOnDst:
			return TransferBlockedOnDst
		case TransferInTransit:
			state = TransferInTransit
		}
	}
	return state
}

// SlotStates returns the state of every slot.
func (tr *Transfer) SlotStates() []TransferState {
	out := make([]TransferState, len(tr.slots))
	for i, s := range tr.slots {
		out[i] = s.state
	}
	return out
}

// Waiting returns the number of departures queued for a free slot.
func (tr *Transfer) Waiting() int { return len(tr.waiting) }

func (tr *Transfer) freeSlot() int {
	for i, s := range tr.slots {
		if s.tray == nil {
			return i
		}
	}
	return -1
}

func (tr *Transfer) request(sim *Simulator, dep departure) {
	if i := tr.freeSlot(); i >= 0 {
		tr.accept(sim, i, dep)
		return
	}
	tr.waiting = append(tr.waiting, dep)
	if len(tr.waiting) > tr.MaxWaiting {
		tr.MaxWaiting = len(tr.waiting)
	}
}

func (tr *Transfer) accept(sim *Simulator, i int, dep departure) {
	tray := dep.tray
	d := tr.transit.Sample()
	tray.closeVisit(sim.Clock, VisitVertex)
	tray.moveTo(sim.Clock, Location{Kind: LocInTransit, Arc: tr.Arc.ID})
	tray.openVisit(sim.Clock, VisitArc, string(tr.Arc.ID), dep.mode)
	tr.slots[i] = transitSlot{tray: tray, state: TransferInTransit, startedAt: sim.Clock}

	md := map[string]string{
		trace.MetaRouting:  string(dep.mode),
		trace.MetaDuration: trace.FormatTime(d),
	}
	if dep.reason != "" {
		md[trace.MetaReason] = dep.reason
	}
	sim.emit(trace.KindTransferStart, tray, string(tr.Arc.ID), md)
	sim.schedule(&TransitDoneEvent{time: sim.Clock + d, transfer: tr, slot: i})
	if dep.hold {
		sim.schedule(&DepartureAcceptedEvent{time: sim.Clock, station: dep.from, tray: tray})
	}
}

// transitDone presents the tray to the destination. Until the destination
// confirms admission the slot counts as blocked.
func (tr *Transfer) transitDone(sim *Simulator, i int) {
	s := &tr.slots[i]
	if s.tray == nil || s.state != TransferInTransit {
		violatef(sim.Clock, "arc %s slot %d finished transit while %s", tr.Arc.ID, i, s.state)
	}
	s.state = TransferBlockedOnDst
	s.arrivedAt = sim.Clock
	s.tray.moveTo(sim.Clock, Location{Kind: LocArriving, Vertex: tr.Arc.Head, Arc: tr.Arc.ID})
	sim.schedule(&ArrivalEvent{
		time:    sim.Clock,
		station: tr.dest,
		arrival: &arrival{tray: s.tray, via: tr, slot: i, arrivedAt: sim.Clock},
	})
}

func (tr *Transfer) release(sim *Simulator, i int) {
	s := tr.slots[i]
	if s.tray == nil || s.state != TransferBlockedOnDst {
		violatef(sim.Clock, "arc %s slot %d released while %s", tr.Arc.ID, i, s.state)
	}
	tr.BlockedTime += sim.Clock - s.arrivedAt
	tr.Transits++
	tr.slots[i] = transitSlot{state: TransferIdle}
	if len(tr.waiting) > 0 {
		dep := tr.waiting[0]
		tr.waiting[0] = departure{}
		tr.waiting = tr.waiting[1:]
		tr.accept(sim, i, dep)
	}
}
