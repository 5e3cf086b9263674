package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-dev/docwire/internal/config"
	"github.com/vango-dev/docwire/internal/logging"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cli holds the persistent flags shared by every command.
type cli struct {
	configPath string
	endpoint   string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "docwire",
		Short: "Live documents over a multiplexed channel",
		Long: `docwire talks to a document store over a single bidirectional channel.

One connection carries reads, writes, live query and document listeners,
and store-driven transactions. The serve command runs an in-memory store
that speaks the same protocol.

Examples:
  docwire serve --addr :8080
  docwire set rooms/lobby '{"title": "Lobby"}'
  docwire watch rooms
  docwire incr counters/visits n`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "", "Path to docwire.toml (default: ./docwire.toml if present)")
	flags.StringVarP(&c.endpoint, "endpoint", "e", "", "Channel URL to dial (default from config)")
	flags.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error (default from config)")

	rootCmd.AddCommand(
		serveCmd(c),
		getCmd(c),
		queryCmd(c),
		setCmd(c),
		updateCmd(c),
		deleteCmd(c),
		watchCmd(c),
		incrCmd(c),
		configCmd(c),
		versionCmd(),
	)
	return rootCmd
}

// load reads the configuration and applies flag overrides.
func (c *cli) load() error {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load(".")
	}
	if err != nil {
		return err
	}

	if c.endpoint != "" {
		cfg.Endpoint = c.endpoint
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	c.cfg = cfg
	c.logger = logger
	return nil
}

// success prints a success message.
func success(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.ErrOrStderr(), "\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", fmt.Sprintf(format, args...))
}
