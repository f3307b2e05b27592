// Package dist binds named duration distributions to per-stream random sources.
//
// A Spec names a distribution kind and its positional parameters, exactly as
// they appear in graph documents. New validates the parameters once and
// returns a Sampler whose draws are clamped to finite, non-negative values.
package dist

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Kind names a distribution family.
type Kind string

const (
	Constant    Kind = "constant"    // [value]
	Uniform     Kind = "uniform"     // [low, high]
	Normal      Kind = "normal"      // [mean, stddev]
	Exponential Kind = "exponential" // [mean]
	Triangular  Kind = "triangular"  // [left, right, mode]
	Weibull     Kind = "weibull"     // [shape, scale]
	LogNormal   Kind = "lognormal"   // [mu, sigma] of ln(X)
)

// arity is the registry of supported kinds and their parameter counts.
var arity = map[Kind]int{
	Constant:    1,
	Uniform:     2,
	Normal:      2,
	Exponential: 1,
	Triangular:  3,
	Weibull:     2,
	LogNormal:   2,
}

// IsValidKind reports whether name is a registered distribution kind.
func IsValidKind(name string) bool {
	_, ok := arity[Kind(name)]
	return ok
}

// ValidKindNames returns the registered kinds in sorted order.
func ValidKindNames() []string {
	names := make([]string, 0, len(arity))
	for k := range arity {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// Spec is a distribution kind plus positional parameters.
type Spec struct {
	Kind   Kind      `json:"type" yaml:"type"`
	Params []float64 `json:"parameters" yaml:"parameters"`
}

// ConstantSpec is shorthand for a degenerate distribution at v.
func ConstantSpec(v float64) Spec {
	return Spec{Kind: Constant, Params: []float64{v}}
}

func (s Spec) String() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = fmt.Sprintf("%g", p)
	}
	return fmt.Sprintf("%s(%s)", s.Kind, strings.Join(parts, ", "))
}

// Problems lists every parameter problem in s. An empty result means s is usable.
func (s Spec) Problems() []string {
	n, ok := arity[s.Kind]
	if !ok {
		return []string{fmt.Sprintf("unknown distribution type %q; valid options: %s",
			s.Kind, strings.Join(ValidKindNames(), ", "))}
	}
	if len(s.Params) != n {
		return []string{fmt.Sprintf("%s takes %d parameter(s), got %d", s.Kind, n, len(s.Params))}
	}
	var out []string
	for i, p := range s.Params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			out = append(out, fmt.Sprintf("parameter %d must be finite, got %v", i, p))
		}
	}
	if len(out) > 0 {
		return out
	}
	p := s.Params
	switch s.Kind {
	case Constant:
		if p[0] < 0 {
			out = append(out, fmt.Sprintf("constant value must be non-negative, got %g", p[0]))
		}
	case Uniform:
		if p[0] < 0 {
			out = append(out, fmt.Sprintf("uniform low must be non-negative, got %g", p[0]))
		}
		if p[0] > p[1] {
			out = append(out, fmt.Sprintf("uniform low %g exceeds high %g", p[0], p[1]))
		}
	case Normal:
		if p[0] < 0 {
			out = append(out, fmt.Sprintf("normal mean must be non-negative, got %g", p[0]))
		}
		if p[1] < 0 {
			out = append(out, fmt.Sprintf("normal stddev must be non-negative, got %g", p[1]))
		}
	case Exponential:
		if p[0] <= 0 {
			out = append(out, fmt.Sprintf("exponential mean must be positive, got %g", p[0]))
		}
	case Triangular:
		left, right, mode := p[0], p[1], p[2]
		if left < 0 {
			out = append(out, fmt.Sprintf("triangular left must be non-negative, got %g", left))
		}
		if left >= right {
			out = append(out, fmt.Sprintf("triangular left %g must be below right %g", left, right))
		} else if mode < left || mode > right {
			out = append(out, fmt.Sprintf("triangular mode %g outside [%g, %g]", mode, left, right))
		}
	case Weibull:
		if p[0] <= 0 {
			out = append(out, fmt.Sprintf("weibull shape must be positive, got %g", p[0]))
		}
		if p[1] <= 0 {
			out = append(out, fmt.Sprintf("weibull scale must be positive, got %g", p[1]))
		}
	case LogNormal:
		if p[1] < 0 {
			out = append(out, fmt.Sprintf("lognormal sigma must be non-negative, got %g", p[1]))
		}
	}
	return out
}

// Validate returns an error describing the first parameter problem, if any.
func (s Spec) Validate() error {
	if probs := s.Problems(); len(probs) > 0 {
		return fmt.Errorf("invalid distribution %s: %s", s.Kind, strings.Join(probs, "; "))
	}
	return nil
}

// Mean returns the analytic mean of the unclamped distribution.
func (s Spec) Mean() float64 {
	if s.Validate() != nil {
		return math.NaN()
	}
	p := s.Params
	switch s.Kind {
	case Constant:
		return p[0]
	case Uniform:
		return (p[0] + p[1]) / 2
	case Normal:
		return p[0]
	case Exponential:
		return p[0]
	case Triangular:
		return (p[0] + p[1] + p[2]) / 3
	case Weibull:
		return distuv.Weibull{K: p[0], Lambda: p[1]}.Mean()
	case LogNormal:
		return distuv.LogNormal{Mu: p[0], Sigma: p[1]}.Mean()
	}
	return math.NaN()
}

// Sampler draws durations. Results are always finite and >= 0.
type Sampler interface {
	Sample() float64
}

// New validates spec and binds it to src.
func New(spec Spec, src rand.Source) (Sampler, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	p := spec.Params
	switch spec.Kind {
	case Constant:
		return constantSampler(clamp(p[0])), nil
	case Uniform:
		if p[0] == p[1] {
			return constantSampler(p[0]), nil
		}
		return &randerSampler{distuv.Uniform{Min: p[0], Max: p[1], Src: src}}, nil
	case Normal:
		if p[1] == 0 {
			return constantSampler(p[0]), nil
		}
		return &randerSampler{distuv.Normal{Mu: p[0], Sigma: p[1], Src: src}}, nil
	case Exponential:
		return &randerSampler{distuv.Exponential{Rate: 1 / p[0], Src: src}}, nil
	case Triangular:
		return &randerSampler{distuv.NewTriangle(p[0], p[1], p[2], src)}, nil
	case Weibull:
		return &randerSampler{distuv.Weibull{K: p[0], Lambda: p[1], Src: src}}, nil
	case LogNormal:
		return &randerSampler{distuv.LogNormal{Mu: p[0], Sigma: p[1], Src: src}}, nil
	}
	return nil, fmt.Errorf("unknown distribution type %q", spec.Kind)
}

type constantSampler float64

func (c constantSampler) Sample() float64 { return float64(c) }

type randerSampler struct {
	r distuv.Rander
}

func (s *randerSampler) Sample() float64 {
	return clamp(s.r.Rand())
}

// clamp maps NaN, infinities and negatives to zero.
func clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
