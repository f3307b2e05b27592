// Package graph holds the immutable description of a manufacturing line:
// stations (vertices) with buffers, service slots and service-time
// distributions, and transfers (arcs) with transit-time distributions and
// routing weights.
package graph

import (
	"fmt"
	"sort"

	"github.com/lengbh/GraphDesEngine/sim/dist"
)

// VertexID identifies a station. It fits the MES wire protocol's uint32 station id.
type VertexID int

// ArcID identifies a transfer. Defaults to "<tail>-><head>".
type ArcID string

// DefaultArcID is the identifier given to an arc whose document omits one.
func DefaultArcID(tail, head VertexID) ArcID {
	return ArcID(fmt.Sprintf("%d->%d", tail, head))
}

// Unbounded marks a vertex buffer without a capacity limit.
const Unbounded = -1

// Vertex is a station.
type Vertex struct {
	ID             VertexID
	Name           string
	BufferCapacity int // Unbounded or >= 0
	ServiceSlots   int // >= 1
	Service        dist.Spec
	Out            []ArcID // document order; empty means terminal
}

// IsUnbounded reports whether the buffer has no capacity limit.
func (v *Vertex) IsUnbounded() bool { return v.BufferCapacity == Unbounded }

// IsTerminal reports whether trays complete after service at this vertex.
func (v *Vertex) IsTerminal() bool { return len(v.Out) == 0 }

func (v *Vertex) String() string {
	if v.Name != "" {
		return fmt.Sprintf("%d(%s)", v.ID, v.Name)
	}
	return fmt.Sprintf("%d", v.ID)
}

// Arc is a transfer between two stations.
type Arc struct {
	ID       ArcID
	Tail     VertexID
	Head     VertexID
	Transfer dist.Spec
	Weight   float64 // static routing weight; 0 excludes the arc from static choice
	Slots    int     // parallel in-transit capacity, >= 1
}

// LabelledGraph maps vertex ids to vertices and arc ids to arcs.
// Every arc's tail and head resolve to a vertex. Cycles are allowed.
type LabelledGraph struct {
	Name string

	vertices  map[VertexID]*Vertex
	arcs      map[ArcID]*Arc
	vertexIDs []VertexID // sorted
	arcIDs    []ArcID    // document order
	byPair    map[[2]VertexID]ArcID
}

// Vertex returns the vertex with the given id, or nil.
func (g *LabelledGraph) Vertex(id VertexID) *Vertex { return g.vertices[id] }

// Arc returns the arc with the given id, or nil.
func (g *LabelledGraph) Arc(id ArcID) *Arc { return g.arcs[id] }

// ArcBetween returns the arc from tail to head, or nil.
func (g *LabelledGraph) ArcBetween(tail, head VertexID) *Arc {
	id, ok := g.byPair[[2]VertexID{tail, head}]
	if !ok {
		return nil
	}
	return g.arcs[id]
}

// Outgoing returns the arcs leaving id in document order.
func (g *LabelledGraph) Outgoing(id VertexID) []*Arc {
	v := g.vertices[id]
	if v == nil {
		return nil
	}
	out := make([]*Arc, len(v.Out))
	for i, aid := range v.Out {
		out[i] = g.arcs[aid]
	}
	return out
}

// VertexIDs returns all vertex ids in ascending order.
func (g *LabelledGraph) VertexIDs() []VertexID {
	return append([]VertexID(nil), g.vertexIDs...)
}

// ArcIDs returns all arc ids in document order.
func (g *LabelledGraph) ArcIDs() []ArcID {
	return append([]ArcID(nil), g.arcIDs...)
}

// NumVertices returns the vertex count.
func (g *LabelledGraph) NumVertices() int { return len(g.vertices) }

// NumArcs returns the arc count.
func (g *LabelledGraph) NumArcs() int { return len(g.arcs) }

// Sources returns vertices without incoming arcs, ascending.
func (g *LabelledGraph) Sources() []VertexID {
	hasIn := make(map[VertexID]bool, len(g.vertices))
	for _, a := range g.arcs {
		hasIn[a.Head] = true
	}
	var out []VertexID
	for _, id := range g.vertexIDs {
		if !hasIn[id] {
			out = append(out, id)
		}
	}
	return out
}

func sortVertexIDs(ids []VertexID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
