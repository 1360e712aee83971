package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var phasesJSON bool

var phasesCmd = &cobra.Command{
	Use:   "phases",
	Short: "List registered phases",
	Long: `List the phases devtrace registers with a pipeline engine, with their
input and output types, concurrency cap and default options.

Examples:
  # Table
  devtrace phases

  # Descriptors as JSON
  devtrace phases --json`,
	Args: cobra.NoArgs,
	RunE: runPhases,
}

func init() {
	phasesCmd.Flags().BoolVar(&phasesJSON, "json", false, "print descriptors as JSON")
}

func runPhases(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer a.close()

	descs := a.registry.List()
	out := cmd.OutOrStdout()

	if phasesJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tINPUT\tOUTPUT\tARITY\tASYNC\tMAX PARALLEL\tDEFAULTS")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			d.Name, d.Input, d.Output, d.Arity, d.Async, d.MaxParallel, formatDefaults(d.Defaults))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	aliases := a.registry.Aliases()
	if len(aliases) > 0 {
		names := make([]string, 0, len(aliases))
		for name := range aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out)
		for _, name := range names {
			fmt.Fprintf(out, "alias %s -> %s\n", name, aliases[name])
		}
	}
	return nil
}

func formatDefaults(opts map[string]any) string {
	if len(opts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, opts[k])
	}
	return strings.Join(parts, ",")
}
