package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hed1ad/abuseguard/internal/pipeline"
	"github.com/hed1ad/abuseguard/pkg/traffic"
)

func newGenerateCommand(a *app) *cobra.Command {
	var (
		out     string
		samples int
		seed    uint64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic training set as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("samples") {
				cfg.Samples = samples
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}

			data, err := traffic.Generate(cfg.Samples, traffic.NewSource(cfg.Seed))
			if err != nil {
				return &pipeline.StageError{Stage: pipeline.StageGenerate, Err: err}
			}
			n, err := pipeline.WriteDataset(out, data)
			if err != nil {
				return &pipeline.StageError{Stage: pipeline.StageGenerate, Err: err}
			}

			c := data.Counts()
			log.Info().
				Str("path", out).
				Int("normal", c.Normal).
				Int("bot", c.Bot).
				Int("burst", c.Burst).
				Int("ddos", c.DDoS).
				Int64("bytes", n).
				Msg("training set written")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %s\n", data.Len(), out)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&out, "out", "o", "", "CSV path")
	flags.IntVar(&samples, "samples", 0, "number of rows (default from config)")
	flags.Uint64Var(&seed, "seed", 0, "random seed (default from config)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
