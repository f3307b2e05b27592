package sim

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// DefaultQueryTimeout bounds a routing query when ControlConfig leaves it zero.
const DefaultQueryTimeout = 2 * time.Second

// InjectionConfig describes one source of trays at a vertex.
// Either Times lists explicit injection instants, or Interarrival draws the
// gaps starting at Start. Count bounds the interarrival source (0 = until
// a stop condition ends the run).
type InjectionConfig struct {
	Vertex       graph.VertexID
	Start        float64
	Interarrival *dist.Spec
	Count        int
	Times        []float64
}

// StopConfig groups end conditions. Zero values mean no limit.
type StopConfig struct {
	Until          float64 // virtual time after which no event runs
	CompletedTrays int     // stop once this many trays completed
}

// ControlConfig groups routing-controller behavior.
type ControlConfig struct {
	QueryTimeout   time.Duration // wall-clock deadline per query (default DefaultQueryTimeout)
	MaxFailureRate float64       // abort when failures/resolved exceeds this; 0 disables
	MinQueries     int           // resolved queries needed before the rate is checked
}

func (c ControlConfig) timeout() time.Duration {
	if c.QueryTimeout <= 0 {
		return DefaultQueryTimeout
	}
	return c.QueryTimeout
}

// Config is everything a run needs besides the graph. It is passed by value
// to NewSimulator; the simulator keeps no other global state.
type Config struct {
	Seed       int64
	Injections []InjectionConfig
	Stop       StopConfig
	Control    ControlConfig

	// ReleaseOnDecision frees a station's service slot as soon as the next arc
	// is chosen. By default the slot is held until the arc accepts the tray.
	ReleaseOnDecision bool

	// RealtimeFactor paces the run at this many wall seconds per virtual time
	// unit. 0 runs as fast as possible.
	RealtimeFactor float64

	Trace trace.TraceConfig
}

// Validate checks c against g and reports every problem found.
func (c Config) Validate(g *graph.LabelledGraph) error {
	var errs []error
	unlimited := false
	for i, inj := range c.Injections {
		prefix := fmt.Sprintf("injections[%d]", i)
		if g.Vertex(inj.Vertex) == nil {
			errs = append(errs, fmt.Errorf("%s: unknown vertex %d", prefix, inj.Vertex))
		}
		if err := validateFiniteNonNegative(prefix+".start", inj.Start); err != nil {
			errs = append(errs, err)
		}
		if inj.Count < 0 {
			errs = append(errs, fmt.Errorf("%s.count must be non-negative, got %d", prefix, inj.Count))
		}
		switch {
		case len(inj.Times) > 0 && inj.Interarrival != nil:
			errs = append(errs, fmt.Errorf("%s: times and interarrival are mutually exclusive", prefix))
		case len(inj.Times) > 0:
			for j, t := range inj.Times {
				if err := validateFiniteNonNegative(fmt.Sprintf("%s.times[%d]", prefix, j), t); err != nil {
					errs = append(errs, err)
				}
			}
		case inj.Interarrival != nil:
			if err := inj.Interarrival.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s.interarrival: %w", prefix, err))
			} else if inj.Count == 0 {
				unlimited = true
				if inj.Interarrival.Mean() <= 0 {
					errs = append(errs, fmt.Errorf("%s: an unbounded source needs a positive mean interarrival", prefix))
				}
			}
		default:
			errs = append(errs, fmt.Errorf("%s: needs times or an interarrival distribution", prefix))
		}
	}
	if err := validateFiniteNonNegative("stop.until", c.Stop.Until); err != nil {
		errs = append(errs, err)
	}
	if c.Stop.CompletedTrays < 0 {
		errs = append(errs, fmt.Errorf("stop.completed_trays must be non-negative, got %d", c.Stop.CompletedTrays))
	}
	if unlimited && c.Stop.Until == 0 && c.Stop.CompletedTrays == 0 {
		errs = append(errs, errors.New("an injection source without count needs stop.until or stop.completed_trays"))
	}
	if c.Control.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("control.query_timeout must be non-negative, got %s", c.Control.QueryTimeout))
	}
	if c.Control.MaxFailureRate < 0 || c.Control.MaxFailureRate > 1 || math.IsNaN(c.Control.MaxFailureRate) {
		errs = append(errs, fmt.Errorf("control.max_failure_rate must be in [0, 1], got %v", c.Control.MaxFailureRate))
	}
	if c.Control.MinQueries < 0 {
		errs = append(errs, fmt.Errorf("control.min_queries must be non-negative, got %d", c.Control.MinQueries))
	}
	if err := validateFiniteNonNegative("realtime_factor", c.RealtimeFactor); err != nil {
		errs = append(errs, err)
	}
	if !trace.IsValidTraceLevel(string(c.Trace.Level)) {
		errs = append(errs, fmt.Errorf("unknown trace level %q; valid: none, decisions", c.Trace.Level))
	}
	return errors.Join(errs...)
}

// sortedTimes returns a sorted copy of explicit injection instants.
func (inj InjectionConfig) sortedTimes() []float64 {
	out := append([]float64(nil), inj.Times...)
	sort.Float64s(out)
	return out
}

func validateFiniteNonNegative(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val < 0 {
		return fmt.Errorf("%s must be non-negative, got %f", name, val)
	}
	return nil
}
