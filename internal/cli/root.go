// Package cli implements the abuseguard command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/abuseguard/internal/config"
	"github.com/hed1ad/abuseguard/internal/logging"
	"github.com/hed1ad/abuseguard/internal/pipeline"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// app holds the global flags and the configuration they resolve to.
type app struct {
	configFile string
	envFile    string
	logLevel   string
	logFormat  string

	cfg config.Config
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "abuseguard",
		Short: "Train and export the API abuse anomaly model",
		Long: `abuseguard trains an isolation forest on API client traffic features
(requests per second and burstiness), calibrates a 0..1 risk score with
ALLOW/WARN/BLOCK tiers and exports the model as ONNX for the gateway.`,
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.init() },
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file with ABUSEGUARD_* overrides, ignored when absent")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (default from config)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: console or json (default from config)")

	root.AddCommand(newTrainCommand(a))
	root.AddCommand(newGenerateCommand(a))
	root.AddCommand(newInspectCommand(a))
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("abuseguard version %s\n", Version))
	// registered up front so command lookup treats --version as a bool and
	// does not swallow the flag that follows it
	root.InitDefaultVersionFlag()
	return root
}

// Execute runs the command line with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// init resolves the configuration and sets up logging before any command
// runs.
func (a *app) init() error {
	if a.configFile != "" {
		if err := pipeline.RequireFile("config file", a.configFile); err != nil {
			return preflight(err)
		}
	}

	cfg, err := config.Load(a.configFile, a.envFile)
	if err != nil {
		return preflight(err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return preflight(err)
	}

	a.cfg = cfg
	return nil
}

func preflight(err error) error {
	return &pipeline.StageError{Stage: pipeline.StagePreflight, Err: err}
}
