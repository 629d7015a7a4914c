package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/abuseguard/internal/pipeline"
)

type trainFlags struct {
	out         string
	samples     int
	seed        uint64
	trees       int
	input       string
	pcap        string
	port        uint16
	window      time.Duration
	metricsFile string
}

func newTrainCommand(a *app) *cobra.Command {
	f := &trainFlags{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly model and export it as ONNX",
		Long: `Train an isolation forest on synthetic traffic, a feature CSV or a packet
capture, calibrate its risk score, assess the built-in probes and write the
ONNX artifact. A summary is printed on success.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			flags := cmd.Flags()
			if flags.Changed("out") {
				cfg.Output = f.out
			}
			if flags.Changed("samples") {
				cfg.Samples = f.samples
			}
			if flags.Changed("seed") {
				cfg.Seed = f.seed
			}
			if flags.Changed("trees") {
				cfg.Forest.Trees = f.trees
			}
			if flags.Changed("input") {
				cfg.Input.CSV = f.input
			}
			if flags.Changed("pcap") {
				cfg.Input.PCAP = f.pcap
			}
			if flags.Changed("port") {
				cfg.Input.Port = f.port
			}
			if flags.Changed("window") {
				cfg.Input.Window = f.window
			}
			if flags.Changed("metrics-file") {
				cfg.Metrics.File = f.metricsFile
			}

			summary, err := pipeline.New(cfg).Run(cmd.Context())
			if err != nil {
				return err
			}
			return summary.Write(cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.out, "out", "o", "", "artifact path (default from config)")
	flags.IntVar(&f.samples, "samples", 0, "synthetic training rows")
	flags.Uint64Var(&f.seed, "seed", 0, "random seed")
	flags.IntVar(&f.trees, "trees", 0, "number of trees")
	flags.StringVar(&f.input, "input", "", "train on a feature CSV with an rps,burstiness header")
	flags.StringVar(&f.pcap, "pcap", "", "train on windows extracted from a pcap or pcapng file")
	flags.Uint16Var(&f.port, "port", 0, "API port for --pcap, 0 accepts any")
	flags.DurationVar(&f.window, "window", 0, "aggregation window for --pcap")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write run metrics to this node-exporter textfile")
	cmd.MarkFlagsMutuallyExclusive("input", "pcap")
	return cmd
}
