package cli

import (
	"time"

	"codeberg.org/mutker/telesync/internal/devserver"
	"codeberg.org/mutker/telesync/internal/errors"
	"codeberg.org/mutker/telesync/internal/logger"
	"github.com/spf13/cobra"
)

func newDevserverCmd() *cobra.Command {
	var (
		listen    string
		interval  time.Duration
		retention int
		diskPath  string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve this machine's telemetry for local development",
		Long: `Run a local backend that samples this machine and serves the REST
and push endpoints the client expects.

When an API key is configured, requests must present it or a token
issued by the server. Power and service commands are acknowledged but
never executed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval < time.Second {
				return errors.New().WithData(errors.ErrInvalidInterval, "--interval must be at least 1s")
			}

			srv := devserver.New(devserver.Config{
				Listen:    listen,
				Interval:  interval,
				Retention: retention,
				APIKey:    cfg.APIKey,
				Version:   version,
				Build:     commit,
			}, devserver.NewHostSampler(diskPath), logger.New("devserver"))

			if cfg.APIKey == "" {
				logger.Warn().Msg("No API key configured, every request is allowed")
			}

			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", devserver.DefaultListen, "Address to listen on")
	cmd.Flags().DurationVar(&interval, "interval", devserver.DefaultInterval, "Sampling interval")
	cmd.Flags().IntVar(&retention, "retention", devserver.DefaultRetention, "Retention in days")
	cmd.Flags().StringVar(&diskPath, "disk-path", "/", "Filesystem reported as disk usage")

	return cmd
}
