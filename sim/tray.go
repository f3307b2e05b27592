// Defines the Tray struct that models one workpiece moving through the line.
// Tracks identity, location, per-stage history and the final outcome.

package sim

import (
	"fmt"
	"strconv"

	"github.com/lengbh/GraphDesEngine/sim/graph"
)

// TrayID identifies a tray. Assigned sequentially from 1 per run.
type TrayID int

// LocationKind is where a tray currently is.
type LocationKind int

const (
	LocNew           LocationKind = iota // created, not yet at a station
	LocArriving                          // at a station's entry awaiting admission
	LocBuffered                          // admitted, waiting for a service slot
	LocInService                         // occupying a service slot
	LocAwaitingRoute                     // service done, routing query outstanding
	LocDraining                          // service done, holding the slot until the arc accepts
	LocQueuedOnArc                       // slot released, waiting for a free arc slot
	LocInTransit                         // on an arc
	LocCompleted                         // left the line
)

var locationNames = map[LocationKind]string{
	LocNew:           "new",
	LocArriving:      "arriving",
	LocBuffered:      "buffered",
	LocInService:     "in_service",
	LocAwaitingRoute: "awaiting_route",
	LocDraining:      "draining",
	LocQueuedOnArc:   "queued_on_arc",
	LocInTransit:     "in_transit",
	LocCompleted:     "completed",
}

func (k LocationKind) String() string {
	if s, ok := locationNames[k]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

// allowedMoves is the tray location state machine.
var allowedMoves = map[LocationKind][]LocationKind{
	LocNew:           {LocArriving},
	LocArriving:      {LocBuffered},
	LocBuffered:      {LocInService},
	LocInService:     {LocAwaitingRoute, LocDraining, LocQueuedOnArc, LocCompleted},
	LocAwaitingRoute: {LocDraining, LocQueuedOnArc},
	LocDraining:      {LocInTransit},
	LocQueuedOnArc:   {LocInTransit},
	LocInTransit:     {LocArriving},
}

// Location is a tray's single current place. Vertex is meaningful for
// station-side kinds, Arc for transit-side kinds; LocArriving from an arc
// sets both.
type Location struct {
	Kind   LocationKind
	Vertex graph.VertexID
	Arc    graph.ArcID
}

func (l Location) String() string {
	switch l.Kind {
	case LocInTransit, LocQueuedOnArc:
		return fmt.Sprintf("%s(%s)", l.Kind, l.Arc)
	case LocNew, LocCompleted:
		return l.Kind.String()
	default:
		return fmt.Sprintf("%s(%d)", l.Kind, l.Vertex)
	}
}

// Outcome is a tray's final status.
type Outcome string

const (
	OutcomeInFlight   Outcome = "in_flight"
	OutcomeCompleted  Outcome = "completed"
	OutcomeIncomplete Outcome = "incomplete" // still in the line when the run stopped
)

// VisitKind distinguishes station and arc stages.
type VisitKind string

const (
	VisitVertex VisitKind = "vertex"
	VisitArc    VisitKind = "arc"
)

// Visit is one stage of a tray's path. Written once on entry, closed once on exit.
type Visit struct {
	Kind    VisitKind
	Subject string
	Entry   float64
	Exit    float64
	Closed  bool
	Routing RoutingMode // arc visits only
}

// Tray is a workpiece. It has no behavior; the station and transfer
// processes that currently own it mutate its state.
type Tray struct {
	ID          TrayID
	CreatedAt   float64
	Source      graph.VertexID
	History     []Visit
	Location    Location
	CompletedAt float64
	Outcome     Outcome
	Fallbacks   int // routing decisions that fell back after a controller failure

	heldPlace bool // holds a buffer place at its current station
}

func newTray(id TrayID, now float64, source graph.VertexID) *Tray {
	return &Tray{ID: id, CreatedAt: now, Source: source, Outcome: OutcomeInFlight}
}

// moveTo changes the tray's location, panicking on a move the state machine forbids.
func (t *Tray) moveTo(now float64, loc Location) {
	for _, next := range allowedMoves[t.Location.Kind] {
		if next == loc.Kind {
			t.Location = loc
			return
		}
	}
	violatef(now, "tray %d cannot move from %s to %s", t.ID, t.Location, loc)
}

func (t *Tray) openVisit(now float64, kind VisitKind, subject string, mode RoutingMode) {
	if n := len(t.History); n > 0 && !t.History[n-1].Closed {
		violatef(now, "tray %d enters %s %s while still in %s", t.ID, kind, subject, t.History[n-1].Subject)
	}
	t.History = append(t.History, Visit{Kind: kind, Subject: subject, Entry: now, Routing: mode})
}

func (t *Tray) closeVisit(now float64, kind VisitKind) {
	n := len(t.History)
	if n == 0 || t.History[n-1].Closed || t.History[n-1].Kind != kind {
		violatef(now, "tray %d has no open %s visit to close", t.ID, kind)
	}
	t.History[n-1].Exit = now
	t.History[n-1].Closed = true
}

// Path returns the subjects visited in order.
func (t *Tray) Path() []string {
	out := make([]string, len(t.History))
	for i, v := range t.History {
		out[i] = v.Subject
	}
	return out
}

// ArcsTaken returns the arcs traversed in order with their routing marks.
func (t *Tray) ArcsTaken() []Visit {
	var out []Visit
	for _, v := range t.History {
		if v.Kind == VisitArc {
			out = append(out, v)
		}
	}
	return out
}

// CycleTime is completion time minus creation time; zero until completed.
func (t *Tray) CycleTime() float64 {
	if t.Outcome != OutcomeCompleted {
		return 0
	}
	return t.CompletedAt - t.CreatedAt
}
