package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lengbh/GraphDesEngine/sim/graph"
)

var validateConfigPath string // optional run file checked against the graph

var validateCmd = &cobra.Command{
	Use:   "validate <graph>",
	Short: "Check a graph document, and optionally a run file, without running",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := validateFiles(args[0], validateConfigPath, os.Stdout); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// validateFiles loads the graph and the run file and reports every problem.
func validateFiles(graphFile, configFile string, out io.Writer) error {
	g, err := graph.Load(graphFile)
	if err != nil {
		return err
	}
	if configFile != "" {
		rc, err := LoadRunConfig(configFile)
		if err != nil {
			return err
		}
		if err := rc.SimConfig().Validate(g); err != nil {
			return fmt.Errorf("invalid run configuration:\n%w", err)
		}
	}
	fmt.Fprintf(out, "%s: %d vertices, %d arcs, sources %v\n", graphFile, g.NumVertices(), g.NumArcs(), g.Sources())
	return nil
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", "", "Run file to check against the graph")
	rootCmd.AddCommand(validateCmd)
}
