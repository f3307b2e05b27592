package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// lineBuilder assembles small graphs for kernel tests.
type lineBuilder struct {
	doc graph.Document
}

func newLine() *lineBuilder { return &lineBuilder{} }

// vertex adds a station. capacity < 0 leaves the buffer unbounded.
func (b *lineBuilder) vertex(id, capacity, slots int, service dist.Spec) *lineBuilder {
	v := graph.VertexDoc{ID: id, ServiceSlots: &slots, Service: &service}
	if capacity >= 0 {
		v.BufferCapacity = &capacity
	}
	b.doc.Vertices = append(b.doc.Vertices, v)
	return b
}

func (b *lineBuilder) arc(tail, head int, transfer dist.Spec, weight float64) *lineBuilder {
	b.doc.Arcs = append(b.doc.Arcs, graph.ArcDoc{Tail: tail, Head: head, Transfer: &transfer, Weight: &weight})
	return b
}

func (b *lineBuilder) slottedArc(tail, head int, transfer dist.Spec, slots int) *lineBuilder {
	w := 1.0
	b.doc.Arcs = append(b.doc.Arcs, graph.ArcDoc{Tail: tail, Head: head, Transfer: &transfer, Weight: &w, Slots: &slots})
	return b
}

func (b *lineBuilder) build(t *testing.T) *graph.LabelledGraph {
	t.Helper()
	g, err := graph.Build(&b.doc)
	require.NoError(t, err)
	return g
}

func constant(v float64) dist.Spec { return dist.ConstantSpec(v) }

func injectAt(vertex graph.VertexID, times ...float64) InjectionConfig {
	return InjectionConfig{Vertex: vertex, Times: times}
}

// runLine runs g to completion and returns the simulator and its log.
func runLine(t *testing.T, g *graph.LabelledGraph, cfg Config, opts ...Option) (*Simulator, *trace.Memory) {
	t.Helper()
	mem := &trace.Memory{}
	sim, err := NewSimulator(g, cfg, append([]Option{WithSink(mem), WithRunID("test")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))
	return sim, mem
}

// timesOf returns the timestamps of records of kind k for tray id (0 = any tray).
func timesOf(mem *trace.Memory, k trace.Kind, tray int) []float64 {
	var out []float64
	for _, r := range mem.OfKind(k) {
		if tray == 0 || r.TrayID == tray {
			out = append(out, r.Time)
		}
	}
	return out
}

// kindsOf returns the event kinds logged for one tray, in order.
func kindsOf(mem *trace.Memory, tray int) []trace.Kind {
	var out []trace.Kind
	for _, r := range mem.ByTray(tray) {
		out = append(out, r.Kind)
	}
	return out
}
