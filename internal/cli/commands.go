package cli

import (
	"fmt"
	"strconv"
	"time"

	"codeberg.org/mutker/telesync/internal/client"
	"codeberg.org/mutker/telesync/internal/errors"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend health and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			c, err := newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			health, err := c.Health(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, field("server", cfg.Server))
			fmt.Fprintln(out, field("health", health.Status))
			if health.UptimeSeconds != nil {
				uptime := time.Duration(*health.UptimeSeconds) * time.Second
				fmt.Fprintln(out, field("uptime", uptime.String()))
			}

			if cfg.APIKey == "" {
				fmt.Fprintln(out, styleMuted.Render("no api key configured, skipping authenticated checks"))
				return nil
			}
			if err := authenticate(ctx, c); err != nil {
				return err
			}
			if s, ok := c.Session(); ok {
				fmt.Fprintln(out, field("user", s.User.Name))
			}

			v, err := c.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, field("version", v.Version))
			if v.Hostname != "" {
				fmt.Fprintln(out, field("host", v.Hostname))
			}

			interval, err := c.Interval(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, field("interval", interval.String()))

			return nil
		},
	}
}

func newPowerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "power <reboot|shutdown>",
		Short:     "Reboot or shut down the host",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reboot", "shutdown"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *client.Client) error {
				msg, err := c.Power(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg.Message)
				return nil
			})
		},
	}
}

func newServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service <name> <start|stop|restart>",
		Short: "Control a service on the host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(c *client.Client) error {
				msg, err := c.Service(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg.Message)
				return nil
			})
		},
	}
}

const (
	settingInterval  = "interval"
	settingRetention = "retention"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change backend settings",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:       "get <interval|retention>",
			Short:     "Print a setting",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{settingInterval, settingRetention},
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), func(c *client.Client) error {
					out := cmd.OutOrStdout()
					switch args[0] {
					case settingInterval:
						d, err := c.Interval(cmd.Context())
						if err != nil {
							return err
						}
						fmt.Fprintln(out, d.String())
					case settingRetention:
						days, err := c.Retention(cmd.Context())
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "%d days\n", days)
					default:
						return unknownSetting(args[0])
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <interval|retention> <value>",
			Short: "Change a setting",
			Long: `Change a backend setting.

The interval accepts a duration ("10s", "1m") or plain seconds. The
retention is given in days.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), func(c *client.Client) error {
					switch args[0] {
					case settingInterval:
						d, err := parseInterval(args[1])
						if err != nil {
							return err
						}
						return c.SetInterval(cmd.Context(), d)
					case settingRetention:
						days, err := strconv.Atoi(args[1])
						if err != nil {
							return errors.New().WithData(errors.ErrInvalidArgument, "retention must be a whole number of days")
						}
						return c.SetRetention(cmd.Context(), days)
					default:
						return unknownSetting(args[0])
					}
				})
			},
		},
	)

	return cmd
}

// parseInterval accepts a Go duration or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrInvalidInterval, err)
	}
	return d, nil
}

func unknownSetting(name string) error {
	return errors.New().WithData(errors.ErrInvalidArgument, fmt.Sprintf("unknown setting %q", name))
}
