package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artpar/entigate/bootstrap"
	"github.com/artpar/entigate/config"
	"github.com/artpar/entigate/core/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and datatype definitions",
	Long: `Validate the entigate configuration and its datatype definitions.

Checks:
  - YAML syntax is valid
  - Definitions parse and reference known datatypes
  - Every hook step names a registered action

Prints the reference graph and the effective hook order of every phase.
Nothing is written to the configured database.

Examples:
  entigate validate
  entigate validate --dir ./definitions
  entigate validate --config /etc/entigate/config.yaml`,
	RunE: runValidate,
}

var validateDir string

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateDir, "dir", "", "definitions directory (overrides definitions.dir)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config syntax valid\n", checkMark)

	if validateDir != "" {
		cfg.Definitions.Dir = validateDir
	}
	if cfg.Definitions.Dir == "" {
		return fmt.Errorf("no definitions directory: set definitions.dir or --dir")
	}
	if _, err := os.Stat(cfg.Definitions.Dir); err != nil {
		fmt.Fprintf(out, "  %s Definitions directory exists\n", crossMark)
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	problems, err := validateDefinitions(ctx, out, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	fmt.Fprintln(out, "Definitions are valid.")
	return nil
}

// validateDefinitions loads cfg's definitions into a throwaway in-memory
// app and reports its graph and hook order. It returns the number of
// references to undefined datatypes plus hook steps whose action is not
// registered.
func validateDefinitions(ctx context.Context, out io.Writer, cfg *config.Config) (int, error) {
	check := *cfg
	check.Database = config.DatabaseConfig{Driver: config.DriverMemory}
	check.Metrics.Enabled = false

	app, err := bootstrap.New(ctx, bootstrap.Options{Config: &check, LogOutput: io.Discard})
	if err != nil {
		fmt.Fprintf(out, "  %s Definitions valid\n", crossMark)
		return 0, err
	}
	defer app.Shutdown()

	types := app.Registry.All()
	fmt.Fprintf(out, "  %s Definitions valid: %d datatype(s) in %s\n", checkMark, len(types), cfg.Definitions.Dir)

	defined := make(map[string]bool, len(types))
	for _, dt := range types {
		defined[dt.Key] = true
	}

	problems := 0
	g := app.Graph.Get()
	if edges := g.Edges(); len(edges) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "References:")
		for _, e := range edges {
			card := "one"
			if e.Many {
				card = "many"
			}
			line := fmt.Sprintf("  %s.%s -> %s (%s, on delete %s)", e.From, e.Field, e.To, card, e.OnDelete)
			if !defined[e.To] {
				line += " " + crossMark + " undefined datatype"
				problems++
			}
			fmt.Fprintln(out, line)
		}
	}

	engine := app.Service.Engine()
	actions := app.Service.Actions()
	for _, dt := range types {
		var lines []string
		for _, phase := range schema.Phases {
			steps := engine.Steps(dt.Key, phase)
			if len(steps) == 0 {
				continue
			}
			names := make([]string, len(steps))
			for i, step := range steps {
				names[i] = step.Action
				if !actions.Has(step.Action) {
					names[i] += " " + crossMark + " unregistered"
					problems++
				}
			}
			lines = append(lines, fmt.Sprintf("    %-13s %s", phase, strings.Join(names, " -> ")))
		}

		fmt.Fprintln(out)
		fmt.Fprintf(out, "%s v%d (%s, %s, %d field(s))\n", dt.Key, dt.Version, dt.Status, dt.Storage, len(dt.Fields))
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
	}

	return problems, nil
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
