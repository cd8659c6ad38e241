package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"evoopt/internal/config"
	"evoopt/internal/logging"
)

// app holds state shared by every subcommand.
type app struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "evoopt",
		Short: "evoopt - iterative prompt and inject optimizer",
		Long: `evoopt improves an agent's prompt material by running a
Generate -> Evaluate -> Select loop under a budget.

Candidates are produced by a generator (sim_inject, prompt_modifier), scored
by an evaluator (judge, approximate, two-phase), filtered by a selector and
the loop is stopped by a controller. Component names and budgets come from the
YAML config file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Initialize(cfg.Logging.LoggerConfig()); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg = cfg
			logging.Boot("config loaded from %s", a.configPath)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", ".evoopt/config.yaml", "Config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newSimInjectCmd(a),
		newPromptCmd(a),
		newOptimizeCmd(a),
		newRunsCmd(a),
		newComponentsCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
