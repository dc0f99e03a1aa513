package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"fable/internal/config"
)

// Build metadata, stamped via -ldflags.
var (
	version = "0.1.0-dev"
	commit  = ""
	builtAt = ""
)

var (
	errorText   = color.New(color.FgRed).SprintFunc()
	successText = color.New(color.FgGreen).SprintFunc()
	dimText     = color.New(color.FgHiBlack).SprintFunc()
	boldText    = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fable",
		Short: "Streaming gateway for the story runtime",
		Long: `fable bridges the upstream multi-agent story runtime to chat clients:
it transcodes the runtime's event stream into typed frames, records the
conversation, and serves the reduced timeline over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool("no_color") || !isTTY() {
				color.NoColor = true
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to the config file (default: ./fable.yaml, ~/.fable/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Bool("no-color", false, "disable colored output")

	viper.SetEnvPrefix("FABLE")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("no_color", flags.Lookup("no-color"))

	rootCmd.AddCommand(
		newServeCommand(),
		newTranscodeCommand(),
		newTimelineCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

// loadGatewayConfig assembles the effective configuration, letting the
// --config and --log-level flags (or their FABLE_* equivalents) win.
func loadGatewayConfig() (config.Config, config.Metadata, error) {
	var opts []config.Option
	if path := viper.GetString("config"); path != "" {
		opts = append(opts, config.WithFile(path))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, config.Metadata{}, err
	}
	if level := viper.GetString("log_level"); level != "" {
		cfg.Observability.Logging.Level = level
	}
	return cfg, meta, nil
}
