// Package cli implements the telesync command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/telesync/internal/client"
	"codeberg.org/mutker/telesync/internal/config"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/session"
	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cfg is loaded once per invocation, before any command runs.
var cfg *config.Config

// SetVersionInfo sets the version information (called from main).
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), styleError.Render("error: ")+err.Error())
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "telesync",
		Short: "Follow a host agent's telemetry in real time",
		Long: `telesync connects to a host agent, follows its telemetry over a push
channel (falling back to polling), and drives its REST API.

Configuration is read from telesync.toml, TELESYNC_* environment
variables and flags, in increasing precedence.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: loadConfig,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Path to the configuration file")
	pf.String("server", "", "Backend base URL (default "+config.DefaultServer+")")
	pf.String("api-key", "", "API key used to authenticate")
	pf.String("log-level", "", "Log level: debug, info, warning or error")
	pf.Bool("debug", false, "Enable debug logging")
	pf.Bool("verbose", false, "Enable verbose logging")
	pf.Bool("no-push", false, "Never use the push channel, poll instead")

	root.AddCommand(
		newWatchCmd(),
		newHistoryCmd(),
		newStatusCmd(),
		newPowerCmd(),
		newServiceCmd(),
		newSettingsCmd(),
		newDevserverCmd(),
		newVersionCmd(),
	)

	return root
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	opts := []config.Option{config.WithFlags(cmd.Flags())}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}

	loaded, err := config.Load(opts...)
	if err != nil {
		return err
	}
	cfg = loaded

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLogLevel(level)
		}
	}
	logger.Debug().Str("server", cfg.Server).Msg("Config loaded")

	return nil
}

// newClient builds a client from the loaded configuration.
func newClient() (*client.Client, error) {
	return client.New(client.FromConfig(cfg), logger.New("client"))
}

// authenticate signs in with the configured API key.
func authenticate(ctx context.Context, c *client.Client) error {
	if cfg.APIKey == "" {
		return errors.New().WithData(errors.ErrMissingConfig, "api_key (use --api-key or TELESYNC_API_KEY)")
	}

	user, err := c.Authenticate(ctx, session.APIKey(cfg.APIKey))
	if err != nil {
		return err
	}

	logger.Info().Str("user", user.Name).Msg("Authenticated")
	return nil
}

// withClient runs fn against an authenticated client and closes it
// afterwards.
func withClient(ctx context.Context, fn func(*client.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close client")
		}
	}()

	if err := authenticate(ctx, c); err != nil {
		return err
	}
	return fn(c)
}
