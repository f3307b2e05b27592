package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"github.com/lengbh/GraphDesEngine/sim/graph"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible simulation run.
// Two simulations with the same SimulationKey and identical configuration
// MUST produce bit-for-bit identical event logs.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// === Subsystem Constants ===

const (
	// SubsystemRouter is the stream for static weighted routing choices.
	SubsystemRouter = "router"
)

// SubsystemVertex returns the service-time stream name for a vertex.
func SubsystemVertex(id graph.VertexID) string {
	return fmt.Sprintf("vertex_%d", id)
}

// SubsystemArc returns the transfer-time stream name for an arc.
func SubsystemArc(id graph.ArcID) string {
	return fmt.Sprintf("arc_%s", id)
}

// SubsystemInjection returns the interarrival stream name for injection source i.
func SubsystemInjection(i int) string {
	return fmt.Sprintf("injection_%d", i)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated random streams per subsystem.
//
// Each stream is a PCG seeded with (masterSeed, fnv1a64(subsystemName)), so
// adding a vertex or drawing more samples on one arc never shifts the draws
// of another.
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	key     SimulationKey
	sources map[string]*rand.PCG
	rands   map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:     key,
		sources: make(map[string]*rand.PCG),
		rands:   make(map[string]*rand.Rand),
	}
}

// Source returns the deterministically-seeded source for the named subsystem.
// The same name always returns the same instance. Never returns nil.
func (p *PartitionedRNG) Source(name string) rand.Source {
	return p.pcg(name)
}

// ForSubsystem returns a *rand.Rand over the named subsystem's source.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if r, ok := p.rands[name]; ok {
		return r
	}
	r := rand.New(p.pcg(name))
	p.rands[name] = r
	return r
}

func (p *PartitionedRNG) pcg(name string) *rand.PCG {
	if src, ok := p.sources[name]; ok {
		return src
	}
	src := rand.NewPCG(uint64(p.key), fnv1a64(name))
	p.sources[name] = src
	return src
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
