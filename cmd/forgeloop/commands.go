package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forgeloop/internal/reflection"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"github.com/fyrsmithlabs/forgeloop/internal/selfimprove"
)

// withSystem bootstraps the app for one command and closes it afterwards.
func withSystem(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, sys *selfimprove.System) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := bootstrap(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a.system)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the performance report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSystem(cmd, opts, func(ctx context.Context, sys *selfimprove.System) error {
				report, err := sys.PerformanceReport(ctx, days)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "trailing period in days")
	return cmd
}

func newTopCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "List the most effective learned solutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSystem(cmd, opts, func(ctx context.Context, sys *selfimprove.System) error {
				top, err := sys.TopSolutions(ctx, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EFFECTIVENESS\tUSED\tSOURCE\tPROBLEM\tSOLUTION")
				for _, s := range top {
					fmt.Fprintf(tw, "%.2f\t%d\t%s\t%s\t%s\n", s.Effectiveness, s.TimesUsed, s.Source, s.Problem, s.Solution)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of solutions")
	return cmd
}

func newInsightsCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "List improvement insights, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSystem(cmd, opts, func(ctx context.Context, sys *selfimprove.System) error {
				insights, err := sys.Insights(ctx, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(insights) == 0 {
					fmt.Fprintln(out, "No insights yet.")
					return nil
				}
				for _, in := range insights {
					fmt.Fprintf(out, "[P%d %s] %s\n", in.Priority, in.Area, in.Description)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of insights")
	return cmd
}

func newReflectCmd(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Run one reflection pass now",
		Long: `Run one reflection pass and print the result.

Examples:
  forgeloop reflect
  forgeloop reflect --format markdown > reflection.md`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch format {
			case "json", "markdown", "text":
			default:
				return fmt.Errorf("unknown format %q: want json, markdown or text", format)
			}
			return withSystem(cmd, opts, func(ctx context.Context, sys *selfimprove.System) error {
				res, err := sys.RunReflectionPass(ctx)
				if err != nil {
					return err
				}
				if format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				_, err = io.WriteString(cmd.OutOrStdout(), reflection.FormatReport(res, format))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: json, markdown or text")
	return cmd
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var engine string
	cmd := &cobra.Command{
		Use:   "search <problem>",
		Short: "Resolve an error from learned and external knowledge",
		Long: `Search for a solution to an error message. Known problems are answered
from the learning store without any network calls.

Examples:
  forgeloop search "Shader compile failed: undeclared identifier"
  forgeloop search --engine unreal "LNK2019 unresolved external symbol"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			problem := strings.Join(args, " ")
			return withSystem(cmd, opts, func(ctx context.Context, sys *selfimprove.System) error {
				res, err := sys.SearchErrorSolution(ctx, problem, search.SearchContext{Engine: engine})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&engine, "engine", "", "game engine the error came from (e.g. unreal, unity)")
	return cmd
}
