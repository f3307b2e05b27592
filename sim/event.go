package sim

// Event defines the interface for all simulation events.
// Each event has a virtual Timestamp and an Execute method that advances
// the state of exactly one owning process (a station, a transfer, the
// injection sources or the router) when invoked.
type Event interface {
	Timestamp() float64
	Execute(*Simulator)
}

// InjectionEvent creates a tray at a station's entry.
// source is nil for trays injected through Simulator.Inject.
type InjectionEvent struct {
	time    float64
	station *Station
	source  *injector
}

func (e *InjectionEvent) Timestamp() float64 { return e.time }

// Execute creates the tray and schedules its arrival and, for a recurring
// source, the next injection.
func (e *InjectionEvent) Execute(sim *Simulator) {
	sim.injectTray(e.station, e.source)
}

// ArrivalEvent presents a tray to a station for admission, either fresh from
// injection or at the end of a transit.
type ArrivalEvent struct {
	time    float64
	station *Station
	arrival *arrival
}

func (e *ArrivalEvent) Timestamp() float64 { return e.time }

// Execute admits the tray or registers it as blocked.
func (e *ArrivalEvent) Execute(sim *Simulator) {
	e.station.arrive(sim, e.arrival)
}

// ServiceEndEvent ends a tray's service at a station.
type ServiceEndEvent struct {
	time    float64
	station *Station
	tray    *Tray
}

func (e *ServiceEndEvent) Timestamp() float64 { return e.time }

// Execute logs service_end and routes the tray onward.
func (e *ServiceEndEvent) Execute(sim *Simulator) {
	e.station.serviceEnd(sim, e.tray)
}

// DepartureRequestEvent asks a transfer to accept a routed tray.
type DepartureRequestEvent struct {
	time      float64
	transfer  *Transfer
	departure departure
}

func (e *DepartureRequestEvent) Timestamp() float64 { return e.time }

// Execute accepts the tray into a free slot or queues the request.
func (e *DepartureRequestEvent) Execute(sim *Simulator) {
	e.transfer.request(sim, e.departure)
}

// DepartureAcceptedEvent tells the source station its drained tray has left.
type DepartureAcceptedEvent struct {
	time    float64
	station *Station
	tray    *Tray
}

func (e *DepartureAcceptedEvent) Timestamp() float64 { return e.time }

// Execute frees the service slot held by the tray.
func (e *DepartureAcceptedEvent) Execute(sim *Simulator) {
	e.station.departed(sim, e.tray)
}

// TransitDoneEvent marks the end of the transit delay on one arc slot.
type TransitDoneEvent struct {
	time     float64
	transfer *Transfer
	slot     int
}

func (e *TransitDoneEvent) Timestamp() float64 { return e.time }

// Execute presents the tray to the destination station.
func (e *TransitDoneEvent) Execute(sim *Simulator) {
	e.transfer.transitDone(sim, e.slot)
}

// SlotReleaseEvent tells a transfer the destination admitted its tray.
type SlotReleaseEvent struct {
	time     float64
	transfer *Transfer
	slot     int
}

func (e *SlotReleaseEvent) Timestamp() float64 { return e.time }

// Execute frees the arc slot and accepts the next waiting departure.
func (e *SlotReleaseEvent) Execute(sim *Simulator) {
	e.transfer.release(sim, e.slot)
}

// RoutingResponseEvent resumes a tray whose routing query was answered or
// failed. Scheduled at the virtual time the reply was observed.
type RoutingResponseEvent struct {
	time  float64
	query *pendingQuery
	reply routingReply
}

func (e *RoutingResponseEvent) Timestamp() float64 { return e.time }

// Execute applies the controller decision or the fallback.
func (e *RoutingResponseEvent) Execute(sim *Simulator) {
	sim.router.resolve(sim, e.query, e.reply)
}

// RoutingTimeoutEvent resumes a tray whose routing query passed its deadline.
type RoutingTimeoutEvent struct {
	time  float64
	query *pendingQuery
}

func (e *RoutingTimeoutEvent) Timestamp() float64 { return e.time }

// Execute logs the timeout and applies the fallback.
func (e *RoutingTimeoutEvent) Execute(sim *Simulator) {
	sim.router.resolve(sim, e.query, routingReply{trayID: e.query.tray.ID, queryID: e.query.id, timeout: true})
}
