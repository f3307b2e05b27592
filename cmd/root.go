package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lengbh/GraphDesEngine/internal/metrics"
	"github.com/lengbh/GraphDesEngine/sim"
	"github.com/lengbh/GraphDesEngine/sim/dist"
	"github.com/lengbh/GraphDesEngine/sim/graph"
	"github.com/lengbh/GraphDesEngine/sim/mes"
	"github.com/lengbh/GraphDesEngine/sim/trace"
	"github.com/lengbh/GraphDesEngine/sim/trace/postgres"
)

var (
	logLevel string // Log verbosity level

	// CLI flags for the run command; each overrides its run file field
	runConfigPath     string  // YAML run file
	graphPath         string  // Graph document (JSON or YAML)
	seed              int64   // Master seed
	until             float64 // Stop after this virtual time
	completedTrays    int     // Stop after this many completed trays
	source            int     // Vertex for a flag-defined injection source
	interarrivalMean  float64 // Mean exponential interarrival of that source
	injectCount       int     // Trays emitted by that source
	controlMode       string  // none, tcp or grpc
	controllerAddr    string  // Routing controller address
	queryTimeout      time.Duration
	maxFailureRate    float64 // Abort when routing failures exceed this fraction
	releaseOnDecision bool    // Free the service slot once the next arc is chosen
	realtimeFactor    float64 // Wall seconds per virtual time unit
	traceLevel        string  // Decision trace verbosity
	csvPath           string  // Event log as CSV
	jsonlPath         string  // Event log as JSON lines
	summaryPath       string  // Run summary as JSON
	metricsAddr       string  // Prometheus listen address
	postgresDSN       string  // Event log database
	postgresTable     string  // Event log table
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "graphdes",
	Short: "Discrete-event simulator for tray flow through a manufacturing line graph",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// runCmd executes one simulation from a run file and flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a line simulation",
	Run: func(cmd *cobra.Command, args []string) {
		rc, err := resolveRunConfig(cmd)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		summary, err := runSimulation(ctx, rc, os.Stdout)
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		logrus.Infof("Simulation complete: %s", summary.StopReason)
	},
}

// resolveRunConfig loads the run file, if any, and applies flag overrides.
func resolveRunConfig(cmd *cobra.Command) (*RunConfig, error) {
	rc := &RunConfig{}
	if runConfigPath != "" {
		loaded, err := LoadRunConfig(runConfigPath)
		if err != nil {
			return nil, err
		}
		rc = loaded
	}
	applyRunFlags(cmd, rc)
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run configuration:\n%w", err)
	}
	return rc, nil
}

// applyRunFlags copies explicitly set flags over the run file values.
func applyRunFlags(cmd *cobra.Command, rc *RunConfig) {
	flags := cmd.Flags()
	if flags.Changed("graph") {
		rc.Graph = graphPath
	}
	if flags.Changed("seed") || runConfigPath == "" {
		rc.Seed = seed
	}
	if flags.Changed("until") {
		rc.Stop.Until = until
	}
	if flags.Changed("completed-trays") {
		rc.Stop.CompletedTrays = completedTrays
	}
	if flags.Changed("source") {
		spec := dist.Spec{Kind: dist.Exponential, Params: []float64{interarrivalMean}}
		rc.Injections = append(rc.Injections, InjectionEntry{Vertex: source, Interarrival: &spec, Count: injectCount})
	}
	if flags.Changed("control") {
		rc.Control.Mode = controlMode
	}
	if flags.Changed("controller-addr") {
		rc.Control.Address = controllerAddr
	}
	if flags.Changed("query-timeout") {
		rc.Control.QueryTimeout = queryTimeout
	}
	if flags.Changed("max-failure-rate") {
		rc.Control.MaxFailureRate = maxFailureRate
	}
	if flags.Changed("release-on-decision") {
		rc.ReleaseOnDecision = releaseOnDecision
	}
	if flags.Changed("realtime-factor") {
		rc.RealtimeFactor = realtimeFactor
	}
	if flags.Changed("trace-level") {
		rc.TraceLevel = trace.TraceLevel(traceLevel)
	}
	if flags.Changed("csv") {
		rc.Output.CSV = csvPath
	}
	if flags.Changed("jsonl") {
		rc.Output.JSONL = jsonlPath
	}
	if flags.Changed("summary-json") {
		rc.Output.Summary = summaryPath
	}
	if flags.Changed("metrics-addr") {
		rc.Output.MetricsAddr = metricsAddr
	}
	if flags.Changed("postgres-dsn") {
		rc.Output.Postgres.DSN = postgresDSN
	}
	if flags.Changed("postgres-table") {
		rc.Output.Postgres.Table = postgresTable
	}
}

// runSimulation loads the graph, wires sinks and controller, runs to a stop
// condition and prints the summary to out.
func runSimulation(ctx context.Context, rc *RunConfig, out io.Writer) (*sim.Summary, error) {
	g, err := graph.Load(rc.Graph)
	if err != nil {
		return nil, err
	}
	cfg := rc.SimConfig()
	if err := cfg.Validate(g); err != nil {
		return nil, fmt.Errorf("invalid run configuration:\n%w", err)
	}
	runID := uuid.NewString()
	logrus.Infof("Starting run %s on %q: %d vertices, %d arcs, seed %d",
		runID, g.Name, g.NumVertices(), g.NumArcs(), cfg.Seed)

	sinks, metricsSrv, err := openSinks(ctx, rc, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
	}()

	opts := []sim.Option{sim.WithRunID(runID), sim.WithSink(sinks)}
	ctrl, err := dialController(ctx, rc, g)
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}
	if ctrl != nil {
		defer ctrl.Close()
		opts = append(opts, sim.WithRoutingController(ctrl))
	}

	s, err := sim.NewSimulator(g, cfg, opts...)
	if err != nil {
		_ = sinks.Close()
		return nil, err
	}
	runErr := s.Run(ctx)
	closeErr := sinks.Close()

	summary := s.Summary()
	if summary != nil {
		summary.Print(out)
		if s.Trace.Enabled() {
			printDecisionTrace(out, trace.Summarize(s.Trace))
		}
		if rc.Output.Summary != "" {
			if err := summary.SaveJSON(rc.Output.Summary); err != nil {
				logrus.Errorf("Saving summary: %v", err)
			}
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, runErr
	}
	if closeErr != nil {
		return summary, fmt.Errorf("closing event log: %w", closeErr)
	}
	return summary, nil
}

// printDecisionTrace appends the routing decision breakdown to the summary.
func printDecisionTrace(out io.Writer, ts *trace.TraceSummary) {
	fmt.Fprintln(out, "=== Routing Decisions ===")
	fmt.Fprintf(out, "Decisions            : %d\n", ts.TotalDecisions)
	for _, mode := range sortedKeys(ts.ModeCounts) {
		fmt.Fprintf(out, "  %-18s : %d\n", mode, ts.ModeCounts[mode])
	}
	for _, reason := range sortedKeys(ts.FallbackReasons) {
		fmt.Fprintf(out, "  fallback %-9s : %d\n", reason, ts.FallbackReasons[reason])
	}
	fmt.Fprintf(out, "Arcs Used            : %d\n", ts.UniqueArcs)
	if ts.MaxWallMillis > 0 {
		fmt.Fprintf(out, "Controller RTT (ms)  : mean %.3f, max %.3f\n", ts.MeanWallMillis, ts.MaxWallMillis)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// openSinks creates every configured event log destination.
func openSinks(ctx context.Context, rc *RunConfig, runID string) (trace.Multi, *http.Server, error) {
	var sinks trace.Multi
	fail := func(err error) (trace.Multi, *http.Server, error) {
		_ = sinks.Close()
		return nil, nil, err
	}
	if rc.Output.CSV != "" {
		f, err := os.Create(rc.Output.CSV)
		if err != nil {
			return fail(fmt.Errorf("creating csv log: %w", err))
		}
		sinks = append(sinks, trace.NewCSVWriter(f))
	}
	if rc.Output.JSONL != "" {
		f, err := os.Create(rc.Output.JSONL)
		if err != nil {
			return fail(fmt.Errorf("creating jsonl log: %w", err))
		}
		sinks = append(sinks, trace.NewJSONLWriter(f))
	}
	if pg := rc.Output.Postgres; pg.DSN != "" {
		var opts []postgres.Option
		if pg.Table != "" {
			opts = append(opts, postgres.WithTableName(pg.Table))
		}
		db, err := postgres.Open(ctx, pg.DSN, runID, opts...)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, db)
		if err := db.CreateTable(ctx); err != nil {
			return fail(err)
		}
	}
	var srv *http.Server
	if rc.Output.MetricsAddr != "" {
		c, err := metrics.NewCollector(nil)
		if err != nil {
			return fail(err)
		}
		if srv, err = c.Serve(rc.Output.MetricsAddr); err != nil {
			return fail(err)
		}
		sinks = append(sinks, c)
	}
	return sinks, srv, nil
}

// routingClient is a controller transport the run must close.
type routingClient interface {
	sim.RoutingController
	io.Closer
}

// dialController connects to the configured controller, or returns nil.
func dialController(ctx context.Context, rc *RunConfig, g *graph.LabelledGraph) (routingClient, error) {
	timeout := rc.Control.QueryTimeout
	if timeout <= 0 {
		timeout = sim.DefaultQueryTimeout
	}
	// The transport deadline only reclaims state; the kernel's deadline decides.
	opts := []mes.ClientOption{mes.WithRequestTimeout(2 * timeout)}
	switch rc.Control.Mode {
	case ControlTCP:
		logrus.Infof("Routing via TCP controller at %s", rc.Control.Address)
		c, err := mes.DialTCP(ctx, rc.Control.Address, g, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ControlGRPC:
		logrus.Infof("Routing via gRPC controller at %s", rc.Control.Address)
		c, err := mes.DialGRPC(rc.Control.Address, g, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")

	runCmd.Flags().StringVar(&runConfigPath, "config", "", "YAML run file")
	runCmd.Flags().StringVar(&graphPath, "graph", "", "Graph document (.json, .yaml)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Master seed for every random stream")
	runCmd.Flags().Float64Var(&until, "until", 0, "Stop after this virtual time (0 = no limit)")
	runCmd.Flags().IntVar(&completedTrays, "completed-trays", 0, "Stop after this many completed trays (0 = no limit)")

	// Flag-defined injection source
	runCmd.Flags().IntVar(&source, "source", 0, "Inject trays at this vertex")
	runCmd.Flags().Float64Var(&interarrivalMean, "interarrival", 1, "Mean exponential interarrival time of the --source injections")
	runCmd.Flags().IntVar(&injectCount, "count", 0, "Trays injected at --source (0 = until a stop condition)")

	// Routing controller
	runCmd.Flags().StringVar(&controlMode, "control", ControlNone, "Routing controller transport (none, tcp, grpc)")
	runCmd.Flags().StringVar(&controllerAddr, "controller-addr", "", "Routing controller address")
	runCmd.Flags().DurationVar(&queryTimeout, "query-timeout", sim.DefaultQueryTimeout, "Wall-clock deadline per routing query")
	runCmd.Flags().Float64Var(&maxFailureRate, "max-failure-rate", 0, "Abort when this fraction of routing queries fail (0 = never)")
	runCmd.Flags().BoolVar(&releaseOnDecision, "release-on-decision", false, "Free the service slot once the next arc is chosen")
	runCmd.Flags().Float64Var(&realtimeFactor, "realtime-factor", 0, "Wall seconds per virtual time unit (0 = as fast as possible)")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", string(trace.TraceLevelNone), "Routing decision trace (none, decisions)")

	// Outputs
	runCmd.Flags().StringVar(&csvPath, "csv", "", "Write the event log as CSV")
	runCmd.Flags().StringVar(&jsonlPath, "jsonl", "", "Write the event log as JSON lines")
	runCmd.Flags().StringVar(&summaryPath, "summary-json", "", "Write the run summary as JSON")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	runCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Store the event log in PostgreSQL")
	runCmd.Flags().StringVar(&postgresTable, "postgres-table", "", "Event log table (default tray_events)")

	rootCmd.AddCommand(runCmd)
}
