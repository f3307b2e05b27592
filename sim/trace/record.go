// Package trace holds the simulation's output records: the append-only
// event log and routing decision records kept for analysis.
// This package has no dependencies on sim/; it stores pure data types.
package trace

// Kind is the event_type column of the event log.
type Kind string

const (
	KindInjected       Kind = "injected"
	KindEnqueued       Kind = "enqueued"
	KindDequeued       Kind = "dequeued"
	KindServiceStart   Kind = "service_start"
	KindServiceEnd     Kind = "service_end"
	KindTransferStart  Kind = "transfer_start"
	KindTransferEnd    Kind = "transfer_end"
	KindTrayCompleted  Kind = "tray_completed"
	KindRoutingTimeout Kind = "routing_timeout"
	KindRoutingError   Kind = "routing_error"
)

// Metadata keys written by the kernel.
const (
	MetaDuration   = "duration"
	MetaRouting    = "routing"
	MetaBlockedFor = "blocked_for"
	MetaCycleTime  = "cycle_time"
	MetaSource     = "source"
	MetaReason     = "reason"
	MetaCandidates = "candidates"
)

// Record is one event log entry. Seq is the global log position; records
// are appended in (Time, Seq) order.
type Record struct {
	Time     float64           `json:"timestamp"`
	Seq      uint64            `json:"seq"`
	Kind     Kind              `json:"event_type"`
	TrayID   int               `json:"tray_id"`
	Subject  string            `json:"subject_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RoutingRecord captures one routing decision taken after service.
type RoutingRecord struct {
	TrayID     int
	VertexID   int
	Clock      float64
	Candidates []string
	Chosen     string
	Mode       string // static, controller, default or fallback
	Reason     string // set for fallbacks: timeout, error, malformed
	WallMillis float64
}
