package mes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lengbh/GraphDesEngine/sim"
	"github.com/lengbh/GraphDesEngine/sim/graph"
)

var (
	// ErrClosed is returned for queries on a closed client and for queries
	// outstanding when the connection drops.
	ErrClosed = errors.New("mes: connection closed")

	// ErrQueryTimeout is the kernel's timeout sentinel so transport deadlines
	// are counted as timeouts.
	ErrQueryTimeout = sim.ErrQueryTimeout

	// ErrUnknownStation marks a release to a station that is not a candidate.
	ErrUnknownStation = errors.New("mes: next station is not reachable")
)

// Query is what a controller sees when a tray finishes service.
type Query struct {
	TrayID     int
	VertexID   int
	SimTime    float64
	Candidates []int // head vertex of each candidate arc, in document order
}

// Decision is a controller's answer. With UseDefault the simulator applies
// its weighted choice and NextVertex is ignored.
type Decision struct {
	NextVertex int
	UseDefault bool
	OrderID    uint32
}

// Decider is the server-side routing policy.
type Decider interface {
	Decide(ctx context.Context, q Query) (Decision, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, q Query) (Decision, error)

func (f DeciderFunc) Decide(ctx context.Context, q Query) (Decision, error) { return f(ctx, q) }

// Built-in policies for the demo controller.
const (
	PolicyFirst      = "first"
	PolicyLast       = "last"
	PolicyRoundRobin = "round-robin"
	PolicyDefault    = "default"
)

var validPolicies = map[string]bool{
	PolicyFirst:      true,
	PolicyLast:       true,
	PolicyRoundRobin: true,
	PolicyDefault:    true,
}

// IsValidPolicy reports whether name is a built-in policy.
func IsValidPolicy(name string) bool { return validPolicies[name] }

// ValidPolicyNames returns the built-in policy names, sorted.
func ValidPolicyNames() []string {
	names := make([]string, 0, len(validPolicies))
	for n := range validPolicies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewDecider returns a built-in policy by name.
func NewDecider(name string) (Decider, error) {
	switch name {
	case PolicyFirst:
		return pickIndex(func(q Query) int { return 0 }), nil
	case PolicyLast:
		return pickIndex(func(q Query) int { return len(q.Candidates) - 1 }), nil
	case PolicyRoundRobin:
		return &roundRobin{next: make(map[int]int)}, nil
	case PolicyDefault:
		return DeciderFunc(func(context.Context, Query) (Decision, error) {
			return Decision{UseDefault: true}, nil
		}), nil
	}
	return nil, fmt.Errorf("unknown policy %q; valid options: %v", name, ValidPolicyNames())
}

func pickIndex(idx func(Query) int) Decider {
	return DeciderFunc(func(_ context.Context, q Query) (Decision, error) {
		if len(q.Candidates) == 0 {
			return Decision{UseDefault: true}, nil
		}
		return Decision{NextVertex: q.Candidates[idx(q)]}, nil
	})
}

// roundRobin cycles through candidates independently per vertex.
type roundRobin struct {
	mu   sync.Mutex
	next map[int]int
}

func (r *roundRobin) Decide(_ context.Context, q Query) (Decision, error) {
	if len(q.Candidates) == 0 {
		return Decision{UseDefault: true}, nil
	}
	r.mu.Lock()
	i := r.next[q.VertexID] % len(q.Candidates)
	r.next[q.VertexID] = i + 1
	r.mu.Unlock()
	return Decision{NextVertex: q.Candidates[i]}, nil
}

// queryFor builds the controller's view of a kernel request.
func queryFor(g *graph.LabelledGraph, req sim.RoutingRequest) Query {
	q := Query{TrayID: int(req.TrayID), VertexID: int(req.VertexID), SimTime: req.SimTime}
	for _, id := range req.Candidates {
		if a := g.Arc(id); a != nil {
			q.Candidates = append(q.Candidates, int(a.Head))
		}
	}
	return q
}

// responseFor maps a decision back onto the arc leaving the tray's vertex.
func responseFor(g *graph.LabelledGraph, req sim.RoutingRequest, d Decision) (sim.RoutingResponse, error) {
	if d.UseDefault {
		return sim.RoutingResponse{TrayID: req.TrayID, UseDefault: true}, nil
	}
	a := g.ArcBetween(req.VertexID, graph.VertexID(d.NextVertex))
	if a == nil {
		return sim.RoutingResponse{}, fmt.Errorf("%w: no arc %d->%d for tray %d", ErrUnknownStation, req.VertexID, d.NextVertex, req.TrayID)
	}
	return sim.RoutingResponse{TrayID: req.TrayID, ArcID: a.ID}, nil
}
