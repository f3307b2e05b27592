package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lengbh/GraphDesEngine/sim"
	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/trace"
)

// Controller transport modes.
const (
	ControlNone = "none"
	ControlTCP  = "tcp"
	ControlGRPC = "grpc"
)

var validControlModes = map[string]bool{
	"":          true, // empty defaults to none
	ControlNone: true,
	ControlTCP:  true,
	ControlGRPC: true,
}

// RunConfig is the YAML run file. Unknown fields are rejected.
type RunConfig struct {
	Graph             string           `yaml:"graph"`
	Seed              int64            `yaml:"seed"`
	Injections        []InjectionEntry `yaml:"injections"`
	Stop              StopEntry        `yaml:"stop"`
	Control           ControlEntry     `yaml:"control"`
	ReleaseOnDecision bool             `yaml:"release_on_decision"`
	RealtimeFactor    float64          `yaml:"realtime_factor"`
	TraceLevel        trace.TraceLevel `yaml:"trace_level"`
	Output            OutputEntry      `yaml:"output"`
}

type InjectionEntry struct {
	Vertex       int        `yaml:"vertex"`
	Start        float64    `yaml:"start"`
	Interarrival *dist.Spec `yaml:"interarrival"`
	Count        int        `yaml:"count"`
	Times        []float64  `yaml:"times"`
}

type StopEntry struct {
	Until          float64 `yaml:"until"`
	CompletedTrays int     `yaml:"completed_trays"`
}

type ControlEntry struct {
	Mode           string        `yaml:"mode"`
	Address        string        `yaml:"address"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	MaxFailureRate float64       `yaml:"max_failure_rate"`
	MinQueries     int           `yaml:"min_queries"`
}

type OutputEntry struct {
	CSV         string        `yaml:"csv"`
	JSONL       string        `yaml:"jsonl"`
	Summary     string        `yaml:"summary"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Postgres    PostgresEntry `yaml:"postgres"`
}

type PostgresEntry struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// LoadRunConfig reads a run file. A relative graph path is resolved against
// the run file's directory.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run config: %w", err)
	}
	var rc RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&rc); err != nil {
		return nil, fmt.Errorf("parsing run config %s: %w", path, err)
	}
	if rc.Graph != "" && !filepath.IsAbs(rc.Graph) {
		rc.Graph = filepath.Join(filepath.Dir(path), rc.Graph)
	}
	return &rc, nil
}

// Validate checks the fields the kernel does not see. Injection, stop and
// control values are checked by sim.Config.Validate against the graph.
func (rc *RunConfig) Validate() error {
	var errs []error
	if rc.Graph == "" {
		errs = append(errs, errors.New("graph: path required"))
	}
	if !validControlModes[rc.Control.Mode] {
		errs = append(errs, fmt.Errorf("control.mode: unknown mode %q; valid options: none, tcp, grpc", rc.Control.Mode))
	}
	if rc.controlled() && rc.Control.Address == "" {
		errs = append(errs, fmt.Errorf("control.address: required for mode %s", rc.Control.Mode))
	}
	if rc.Output.Postgres.Table != "" && rc.Output.Postgres.DSN == "" {
		errs = append(errs, errors.New("output.postgres: table set without dsn"))
	}
	return errors.Join(errs...)
}

func (rc *RunConfig) controlled() bool {
	return rc.Control.Mode == ControlTCP || rc.Control.Mode == ControlGRPC
}

// SimConfig maps the file onto the kernel's run configuration.
func (rc *RunConfig) SimConfig() sim.Config {
	cfg := sim.Config{
		Seed: rc.Seed,
		Stop: sim.StopConfig{
			Until:          rc.Stop.Until,
			CompletedTrays: rc.Stop.CompletedTrays,
		},
		Control: sim.ControlConfig{
			QueryTimeout:   rc.Control.QueryTimeout,
			MaxFailureRate: rc.Control.MaxFailureRate,
			MinQueries:     rc.Control.MinQueries,
		},
		ReleaseOnDecision: rc.ReleaseOnDecision,
		RealtimeFactor:    rc.RealtimeFactor,
		Trace:             trace.TraceConfig{Level: rc.TraceLevel},
	}
	for _, inj := range rc.Injections {
		cfg.Injections = append(cfg.Injections, sim.InjectionConfig{
			Vertex:       graph.VertexID(inj.Vertex),
			Start:        inj.Start,
			Interarrival: inj.Interarrival,
			Count:        inj.Count,
			Times:        inj.Times,
		})
	}
	return cfg
}
