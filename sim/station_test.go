package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengbh/GraphDesEngine/sim/trace"
)

func enqueuedAt(mem *trace.Memory, subject string) map[int]float64 {
	out := map[int]float64{}
	for _, r := range mem.OfKind(trace.KindEnqueued) {
		if r.Subject == subject {
			out[r.TrayID] = r.Time
		}
	}
	return out
}

func TestStation_ZeroCapacity_DirectHandOff(t *testing.T) {
	// GIVEN a station without buffer places and one slot
	g := newLine().vertex(1, 0, 1, constant(5)).build(t)

	// WHEN two trays arrive while the slot is busy for the first
	sim, mem := runLine(t, g, Config{Injections: []InjectionConfig{injectAt(1, 0, 1)}})

	// THEN each enters only when the slot is free
	assert.Equal(t, map[int]float64{1: 0, 2: 5}, enqueuedAt(mem, "1"))
	assert.Equal(t, []float64{0, 5}, timesOf(mem, trace.KindServiceStart, 0))
	st := sim.Station(1)
	assert.Equal(t, 1, st.BlockedArrivals)
	assert.Equal(t, 0, st.MaxBuffered)
	assert.Equal(t, StationIdle, st.State())
}

func TestStation_BufferPlaceHeldThroughService(t *testing.T) {
	// GIVEN capacity 1 and one slot: the tray in service keeps its place
	g := newLine().vertex(1, 1, 1, constant(4)).build(t)

	// WHEN three trays arrive together
	_, mem := runLine(t, g, Config{Injections: []InjectionConfig{injectAt(1, 0, 0, 0)}})

	// THEN the second waits for the first service end to be admitted
	assert.Equal(t, map[int]float64{1: 0, 2: 4, 3: 8}, enqueuedAt(mem, "1"))
}

func TestStation_BlockedArrivals_EarliestFirst(t *testing.T) {
	// GIVEN a busy zero-capacity station fed by two upstream stations
	g := newLine().
		vertex(1, -1, 1, constant(0)).
		vertex(2, -1, 1, constant(0)).
		vertex(3, 0, 1, constant(10)).
		arc(1, 3, constant(0), 1).
		arc(2, 3, constant(0), 1).
		build(t)
	cfg := Config{Injections: []InjectionConfig{
		injectAt(3, 0), // tray 1 occupies the slot
		injectAt(2, 1), // tray 2 blocks on 2->3 at t=1
		injectAt(1, 2), // tray 3 blocks on 1->3 at t=2
	}}

	// WHEN the slot frees at t=10 and t=20
	sim, mem := runLine(t, g, cfg)

	// THEN trays are admitted in the order they blocked
	assert.Equal(t, map[int]float64{1: 0, 2: 10, 3: 20}, enqueuedAt(mem, "3"))
	assert.Equal(t, 2, sim.Station(3).MaxBlocked)
	assert.Equal(t, 9.0, sim.Transfer("2->3").BlockedTime)
	assert.Equal(t, 18.0, sim.Transfer("1->3").BlockedTime)
}

func TestStation_NewcomerDoesNotOvertakeBlocked(t *testing.T) {
	// GIVEN capacity 1, one slot, and a tray already blocked
	g := newLine().vertex(1, 1, 1, constant(3)).build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 1, 3)}}

	// WHEN a place frees at t=3 as a third tray arrives
	_, mem := runLine(t, g, cfg)

	// THEN the blocked tray enters first
	got := enqueuedAt(mem, "1")
	assert.Equal(t, 3.0, got[2])
	assert.Equal(t, 6.0, got[3])
}

func TestStation_HoldVersusRelease(t *testing.T) {
	g := newLine().
		vertex(1, -1, 1, constant(1)).
		vertex(2, -1, 1, constant(0)).
		arc(1, 2, constant(10), 1).
		build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 0, 0)}}

	tests := []struct {
		name          string
		release       bool
		wantThirdFrom float64
	}{
		// the second tray keeps the slot until the arc frees at t=11
		{"hold until accepted", false, 11},
		// the slot frees as soon as the second tray is routed at t=2
		{"release on decision", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cfg
			c.ReleaseOnDecision = tt.release
			_, mem := runLine(t, g, c)
			starts := timesOf(mem, trace.KindServiceStart, 3)
			require.NotEmpty(t, starts)
			assert.Equal(t, tt.wantThirdFrom, starts[0])
			assert.Equal(t, []float64{1, 11, 21}, timesOf(mem, trace.KindTransferStart, 0))
		})
	}
}

func TestStation_DrainingWhileArcBusy(t *testing.T) {
	g := newLine().
		vertex(1, -1, 1, constant(1)).
		vertex(2, -1, 1, constant(0)).
		arc(1, 2, constant(10), 1).
		build(t)
	cfg := Config{Injections: []InjectionConfig{injectAt(1, 0, 0, 0)}, Stop: StopConfig{Until: 5}}

	sim, _ := runLine(t, g, cfg)

	st := sim.Station(1)
	assert.Equal(t, StationDraining, st.State())
	assert.Equal(t, 1, st.Busy())
	assert.Equal(t, 1, st.Buffered())
	assert.Equal(t, TransferInTransit, sim.Transfer("1->2").State())
	assert.Equal(t, LocDraining, sim.Tray(2).Location.Kind)
}

func TestStation_MultipleSlots_ServeInParallel(t *testing.T) {
	g := newLine().vertex(1, -1, 3, constant(4)).build(t)
	sim, mem := runLine(t, g, Config{Injections: []InjectionConfig{injectAt(1, 0, 0, 0, 0)}})

	assert.Equal(t, []float64{0, 0, 0, 4}, timesOf(mem, trace.KindServiceStart, 0))
	assert.InDelta(t, 16.0/24.0, sim.Station(1).Utilisation(8), 1e-9)
}

func TestStation_ParallelArcSlots(t *testing.T) {
	g := newLine().
		vertex(1, -1, 2, constant(0)).
		vertex(2, -1, 2, constant(0)).
		slottedArc(1, 2, constant(5), 2).
		build(t)
	_, mem := runLine(t, g, Config{Injections: []InjectionConfig{injectAt(1, 0, 0, 0)}})

	assert.Equal(t, []float64{0, 0, 5}, timesOf(mem, trace.KindTransferStart, 0))
	assert.Equal(t, []float64{5, 5, 10}, timesOf(mem, trace.KindTransferEnd, 0))
}
