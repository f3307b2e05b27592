package sim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// RoutingMode marks how a tray's next arc was chosen.
type RoutingMode string

const (
	RouteStatic     RoutingMode = "static"     // weighted choice, no controller attached
	RouteController RoutingMode = "controller" // controller picked a candidate
	RouteDefault    RoutingMode = "default"    // controller asked for the weighted choice
	RouteFallback   RoutingMode = "fallback"   // weighted choice after a timeout or failure
)

// RoutingRequest is sent to the controller when a tray finishes service at a
// vertex with outgoing arcs.
type RoutingRequest struct {
	TrayID     TrayID
	VertexID   graph.VertexID
	Candidates []graph.ArcID
	SimTime    float64
}

// RoutingResponse answers a RoutingRequest with one of its candidates, or
// asks for the default weighted choice.
type RoutingResponse struct {
	TrayID     TrayID
	ArcID      graph.ArcID
	UseDefault bool
}

// RoutingController is an external decision maker consulted after service.
//
// Query must not block on the round trip: it starts the exchange and
// returns. reply may be called from any goroutine, exactly once per query,
// possibly before Query returns. The simulator applies its own wall-clock
// deadline and discards replies that arrive after it.
type RoutingController interface {
	Query(req RoutingRequest, reply func(RoutingResponse, error))
}

// RoutingControllerFunc adapts a synchronous function to RoutingController.
// The reply is delivered before Query returns.
type RoutingControllerFunc func(RoutingRequest) (RoutingResponse, error)

// Query implements RoutingController.
func (f RoutingControllerFunc) Query(req RoutingRequest, reply func(RoutingResponse, error)) {
	reply(f(req))
}

// RoutingStats counts routing outcomes.
type RoutingStats struct {
	Queries     int
	Controller  int
	Defaults    int
	Timeouts    int
	Errors      int
	LateReplies int
	Abandoned   int
}

// Failures is the number of queries that fell back.
func (s RoutingStats) Failures() int { return s.Timeouts + s.Errors }

// Resolved is the number of queries that resumed their tray.
func (s RoutingStats) Resolved() int { return s.Controller + s.Defaults + s.Failures() }

type pendingQuery struct {
	id         uint64
	tray       *Tray
	station    *Station
	candidates []graph.ArcID
	issuedWall time.Time
	timer      *time.Timer
}

type routingReply struct {
	trayID  TrayID
	queryID uint64
	resp    RoutingResponse
	err     error
	timeout bool
}

// mailbox carries replies from transport goroutines to the event loop.
// post never blocks.
type mailbox struct {
	mu     sync.Mutex
	items  []routingReply
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(r routingReply) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, r)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []routingReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

// router owns the outstanding-query table. Only the event loop touches
// pending; transports reach it through the mailbox.
type router struct {
	controller RoutingController
	cfg        ControlConfig
	pending    map[TrayID]*pendingQuery
	nextID     uint64
	inbox      *mailbox
	stats      RoutingStats
}

func newRouter(c RoutingController, cfg ControlConfig) *router {
	return &router{
		controller: c,
		cfg:        cfg,
		pending:    make(map[TrayID]*pendingQuery),
		inbox:      newMailbox(),
	}
}

func (r *router) outstanding() int { return len(r.pending) }

func (r *router) signal() <-chan struct{} { return r.inbox.signal }

func (r *router) query(sim *Simulator, st *Station, tray *Tray) {
	if _, dup := r.pending[tray.ID]; dup {
		violatef(sim.Clock, "tray %d already has an outstanding routing query", tray.ID)
	}
	candidates := make([]graph.ArcID, len(st.out))
	for i, tr := range st.out {
		candidates[i] = tr.Arc.ID
	}
	r.nextID++
	q := &pendingQuery{
		id:         r.nextID,
		tray:       tray,
		station:    st,
		candidates: candidates,
		issuedWall: time.Now(),
	}
	r.pending[tray.ID] = q
	r.stats.Queries++

	trayID, queryID := tray.ID, q.id
	q.timer = time.AfterFunc(r.cfg.timeout(), func() {
		r.inbox.post(routingReply{trayID: trayID, queryID: queryID, timeout: true})
	})
	req := RoutingRequest{
		TrayID:     tray.ID,
		VertexID:   st.Vertex.ID,
		Candidates: append([]graph.ArcID(nil), candidates...),
		SimTime:    sim.Clock,
	}
	logrus.Debugf("[t=%.3f] routing query %d for tray %d at %s: %v", sim.Clock, q.id, tray.ID, st.Vertex, candidates)
	r.controller.Query(req, func(resp RoutingResponse, err error) {
		r.inbox.post(routingReply{trayID: trayID, queryID: queryID, resp: resp, err: err})
	})
}

// deliver turns mailbox replies into events at the current virtual time.
// The first reply for a query wins; anything later is dropped.
func (r *router) deliver(sim *Simulator) {
	for _, rep := range r.inbox.drain() {
		q, ok := r.pending[rep.trayID]
		if !ok || q.id != rep.queryID {
			if !rep.timeout {
				r.stats.LateReplies++
				logrus.Warnf("[t=%.3f] discarding late routing reply for tray %d", sim.Clock, rep.trayID)
			}
			continue
		}
		delete(r.pending, rep.trayID)
		q.timer.Stop()
		if rep.timeout {
			sim.schedule(&RoutingTimeoutEvent{time: sim.Clock, query: q})
		} else {
			sim.schedule(&RoutingResponseEvent{time: sim.Clock, query: q, reply: rep})
		}
	}
}

func (r *router) resolve(sim *Simulator, q *pendingQuery, rep routingReply) {
	st, tray := q.station, q.tray
	wall := time.Since(q.issuedWall)
	record := trace.RoutingRecord{
		TrayID:     int(tray.ID),
		VertexID:   int(st.Vertex.ID),
		Clock:      sim.Clock,
		Candidates: arcIDStrings(q.candidates),
		WallMillis: float64(wall.Microseconds()) / 1000,
	}

	var (
		chosen *Transfer
		mode   RoutingMode
		reason string
	)
	switch {
	case rep.timeout || errors.Is(rep.err, ErrQueryTimeout):
		r.stats.Timeouts++
		reason = "timeout"
		sim.emit(trace.KindRoutingTimeout, tray, st.subject, map[string]string{
			trace.MetaCandidates: strings.Join(record.Candidates, " "),
		})
		logrus.Warnf("[t=%.3f] routing query for tray %d at %s timed out after %s; using weighted choice",
			sim.Clock, tray.ID, st.Vertex, wall.Round(time.Millisecond))
	case rep.err != nil:
		r.stats.Errors++
		reason = "error"
		sim.emit(trace.KindRoutingError, tray, st.subject, map[string]string{trace.MetaReason: rep.err.Error()})
		logrus.Warnf("[t=%.3f] routing query for tray %d at %s failed: %v; using weighted choice",
			sim.Clock, tray.ID, st.Vertex, rep.err)
	case rep.resp.UseDefault:
		r.stats.Defaults++
		mode = RouteDefault
	default:
		chosen = st.outByID(string(rep.resp.ArcID))
		if chosen == nil || rep.resp.TrayID != tray.ID {
			r.stats.Errors++
			reason = "malformed"
			msg := fmt.Sprintf("response for tray %d chose %q, not a candidate of tray %d", rep.resp.TrayID, rep.resp.ArcID, tray.ID)
			sim.emit(trace.KindRoutingError, tray, st.subject, map[string]string{trace.MetaReason: msg})
			logrus.Warnf("[t=%.3f] malformed routing response: %s; using weighted choice", sim.Clock, msg)
			chosen = nil
		} else {
			r.stats.Controller++
			mode = RouteController
		}
	}
	if reason != "" {
		mode = RouteFallback
	}
	if chosen == nil {
		chosen = st.chooseStatic(sim.routeRNG)
	}

	record.Chosen = string(chosen.Arc.ID)
	record.Mode = string(mode)
	record.Reason = reason
	sim.recordRouting(record)

	st.resolveRoute(sim, tray, chosen, mode, reason)
	r.checkFailureRate(sim)
}

func (r *router) checkFailureRate(sim *Simulator) {
	if r.cfg.MaxFailureRate <= 0 {
		return
	}
	resolved := r.stats.Resolved()
	if resolved < r.cfg.MinQueries || resolved == 0 {
		return
	}
	rate := float64(r.stats.Failures()) / float64(resolved)
	if rate > r.cfg.MaxFailureRate {
		sim.abort(fmt.Errorf("%w: %d of %d queries failed (%.1f%% > %.1f%%)", ErrRoutingFailureThreshold,
			r.stats.Failures(), resolved, rate*100, r.cfg.MaxFailureRate*100))
	}
}

// close abandons outstanding queries and drops replies still in flight.
func (r *router) close() {
	ids := make([]int, 0, len(r.pending))
	for id, q := range r.pending {
		q.timer.Stop()
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	r.stats.Abandoned += len(ids)
	if len(ids) > 0 {
		logrus.Infof("abandoning %d outstanding routing queries (trays %v)", len(ids), ids)
	}
	r.pending = make(map[TrayID]*pendingQuery)
	r.inbox.close()
}

func arcIDStrings(ids []graph.ArcID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
