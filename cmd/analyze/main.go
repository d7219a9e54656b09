// Command analyze reads JSONL span logs and prints conversation metrics and
// classified failures as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/voicetrace/internal/analysis"
	"github.com/hubenschmidt/voicetrace/internal/classify"
	"github.com/hubenschmidt/voicetrace/internal/config"
	"github.com/hubenschmidt/voicetrace/internal/export"
	"github.com/hubenschmidt/voicetrace/internal/trace"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	thresholds   string
	severity     string
	types        []string
	conversation string
	tolerance    float64
	indent       bool
}

// output is the document printed by the command.
type output struct {
	Analysis *analysis.Result `json:"analysis"`
	Failures *classify.Report `json:"failures"`
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "analyze [file.jsonl ...]",
		Short: "Analyze voice conversation spans and classify failures",
		Long: "Reads one or more JSONL span logs (\"-\" or no argument reads stdin), " +
			"computes latency and turn-taking metrics and classifies failures.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			th, err := config.LoadThresholds(opts.thresholds)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tolerance") {
				th.InterruptionToleranceMs = opts.tolerance
			}
			filter, err := classify.ParseFilter(opts.severity, opts.types, opts.conversation)
			if err != nil {
				return err
			}

			spans, err := readSpans(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if opts.conversation != "" {
				spans = onlyConversation(spans, opts.conversation)
			}

			rep, err := classify.Classify(spans, th)
			if err != nil {
				return err
			}
			out := output{
				Analysis: analysis.Analyze(spans, analysis.WithInterruptionTolerance(th.InterruptionToleranceMs)),
				Failures: rep.Filter(filter),
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if opts.indent {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.thresholds, "thresholds", "", "YAML thresholds file")
	f.StringVar(&opts.severity, "severity", "", "minimum failure severity (low, medium, high, critical)")
	f.StringSliceVar(&opts.types, "type", nil, "failure types to report (repeatable or comma separated)")
	f.StringVar(&opts.conversation, "conversation", "", "only analyze this conversation id")
	f.Float64Var(&opts.tolerance, "tolerance", classify.DefaultInterruptionTolMs, "interruption tolerance in ms")
	f.BoolVar(&opts.indent, "indent", false, "indent the JSON output")
	return cmd
}

func readSpans(stdin io.Reader, paths []string) ([]trace.Span, error) {
	if len(paths) == 0 {
		paths = []string{"-"}
	}
	var all []trace.Span
	for _, p := range paths {
		var (
			spans []trace.Span
			err   error
		)
		if p == "-" {
			spans, err = export.ReadJSONL(stdin)
		} else {
			spans, err = export.ReadJSONLFile(p)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		all = append(all, spans...)
	}
	return all, nil
}

func onlyConversation(spans []trace.Span, id string) []trace.Span {
	out := spans[:0:0]
	for _, s := range spans {
		if s.ConversationID() == id {
			out = append(out, s)
		}
	}
	return out
}
