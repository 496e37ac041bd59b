package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgolbus/chopsticks/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	Verbose    bool
}

// load reads the configuration named by the global flags.
func (o *RootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.ConfigFile, o.EnvFile)
	if err != nil {
		return cfg, err
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func (o *RootOptions) logger(cfg config.Config) *slog.Logger {
	return cfg.Log.Logger(os.Stderr)
}

// NewRootCommand creates the root command for the chopsticks CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chopsticks",
		Short: "Chopsticks game server",
		Long:  "A two-player chopsticks rules engine served over HTTP and WebSocket.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file to load if present")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("chopsticks %s\n", version)
		},
	}
}
