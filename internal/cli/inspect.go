package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hed1ad/abuseguard/internal/pipeline"
	"github.com/hed1ad/abuseguard/pkg/exporter"
	dataio "github.com/hed1ad/abuseguard/pkg/io"
	"github.com/hed1ad/abuseguard/pkg/io/csv"
	"github.com/hed1ad/abuseguard/pkg/io/pcap"
	"github.com/hed1ad/abuseguard/pkg/risk"
)

type inspectFlags struct {
	input  string
	pcap   string
	out    string
	port   uint16
	window time.Duration
}

func newInspectCommand(a *app) *cobra.Command {
	f := &inspectFlags{}

	cmd := &cobra.Command{
		Use:   "inspect <model.onnx>",
		Short: "Assess traffic with an exported model",
		Long: `Load an exported artifact and evaluate it in-process. Without an input the
built-in probes are assessed; with --input or --pcap every observation is
assessed and written as CSV to --out or stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if err := pipeline.RequireFile("model", path); err != nil {
				return preflight(err)
			}
			art, err := exporter.Load(path)
			if err != nil {
				return &pipeline.StageError{Stage: pipeline.StageLoad, Err: err}
			}
			scorer, err := art.Scorer()
			if err != nil {
				return &pipeline.StageError{Stage: pipeline.StageLoad, Err: err}
			}
			log.Info().
				Str("path", path).
				Int("trees", art.Estimators).
				Int("max_samples", art.MaxSamples).
				Float64("score_min", art.Statistics.Min).
				Float64("score_max", art.Statistics.Max).
				Msg("artifact loaded")

			if f.input == "" && f.pcap == "" {
				return inspectProbes(cmd.OutOrStdout(), scorer)
			}

			cfg := a.cfg
			if cmd.Flags().Changed("port") {
				cfg.Input.Port = f.port
			}
			if cmd.Flags().Changed("window") {
				cfg.Input.Window = f.window
			}

			var src dataio.Reader
			if f.input != "" {
				src, err = csv.NewReader(f.input)
			} else {
				src, err = pcap.NewFileReader(f.pcap, cfg.PcapOptions()...)
			}
			if err != nil {
				return &pipeline.StageError{Stage: pipeline.StageLoad, Err: err}
			}
			defer src.Close()

			var dst *csv.Writer
			if f.out != "" {
				if dst, err = csv.Create(f.out); err != nil {
					return &pipeline.StageError{Stage: pipeline.StageEvaluate, Err: err}
				}
			} else {
				dst = csv.NewWriter(cmd.OutOrStdout())
			}

			counts, err := pipeline.Inspect(cmd.Context(), scorer, src, dst)
			if cerr := dst.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return &pipeline.StageError{Stage: pipeline.StageEvaluate, Err: err}
			}
			log.Info().
				Int("assessed", counts.Total()).
				Int("allow", counts[risk.Allow]).
				Int("warn", counts[risk.Warn]).
				Int("block", counts[risk.Block]).
				Msg("inspection complete")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.input, "input", "", "feature CSV to assess")
	flags.StringVar(&f.pcap, "pcap", "", "packet capture to assess")
	flags.StringVarP(&f.out, "out", "o", "", "write assessments to this CSV instead of stdout")
	flags.Uint16Var(&f.port, "port", 0, "API port for --pcap, 0 accepts any")
	flags.DurationVar(&f.window, "window", 0, "aggregation window for --pcap")
	cmd.MarkFlagsMutuallyExclusive("input", "pcap")
	return cmd
}

func inspectProbes(w io.Writer, scorer *risk.Scorer) error {
	results, err := pipeline.EvaluateProbes(scorer, pipeline.Probes, nil)
	if err != nil {
		return &pipeline.StageError{Stage: pipeline.StageEvaluate, Err: err}
	}
	t := scorer.Thresholds()
	fmt.Fprintf(w, "Risk assessment (warn > %.2f, block > %.2f)\n", t.Warn, t.Block)
	fmt.Fprintf(w, "  %s\n", strings.Repeat("-", 60))
	for _, r := range results {
		fmt.Fprintf(w, "  %-32s | risk %.3f | %s\n", r.Name, r.Assessment.Risk, r.Assessment.Tier)
	}
	_, err = fmt.Fprintf(w, "  %s\n", strings.Repeat("-", 60))
	return err
}
