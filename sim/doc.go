// Package sim provides the discrete-event simulation kernel for a
// manufacturing line modelled as a labelled graph: vertices are stations with
// a buffer and service slots, arcs are transfers with a transit delay.
//
// # Reading Guide
//
// Start with these files to understand the kernel:
//   - tray.go: Tray identity, location state machine and visit history
//   - event.go: Event types that drive the simulation (Injection, Arrival, ServiceEnd, ...)
//   - simulator.go: The event loop, stop conditions and realtime pacing
//   - station.go: Admission, FIFO service, routing after service and hand-off
//   - transfer.go: Arc slots, transit and blocking on a full destination
//   - routing.go: The RoutingController interface, outstanding queries, fallback
//
// # Architecture
//
// Each station and each transfer is a process that owns its state; processes
// interact only by scheduling events at the current or a future virtual time.
// Sub-packages:
//   - sim/graph/: Graph model, document loading (JSON/YAML) and validation
//   - sim/dist/: Closed set of service/transfer time distributions
//   - sim/trace/: Event log records, sinks (memory, CSV, JSONL) and decision records
//   - sim/trace/postgres/: PostgreSQL event log sink
//   - sim/mes/: Routing controller transports (binary TCP MES protocol, gRPC)
//
// # Determinism
//
// Events at equal times run in scheduling order. Every vertex, arc and
// injection source draws from its own stream of a PartitionedRNG, so a run
// with a fixed seed and a deterministic controller produces an identical log.
package sim
