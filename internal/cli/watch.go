package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"codeberg.org/mutker/telesync/internal/client"
	"codeberg.org/mutker/telesync/internal/connection"
	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
	"codeberg.org/mutker/telesync/internal/transport"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const watchBuffer = 64

func newWatchCmd() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live telemetry as it arrives",
		Long: `Connect to the backend and print every snapshot and connection change
until interrupted.

Examples:
  telesync watch
  telesync watch --no-push --poll 2s
  telesync watch --journal --for 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return withClient(ctx, func(c *client.Client) error {
				return watch(ctx, c, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().Duration("poll", 0, "Polling interval while on the poll fallback")
	cmd.Flags().Bool("journal", false, "Record snapshots into the local journal")
	cmd.Flags().String("journal-path", "", "Journal database path")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (default: until interrupted)")

	return cmd
}

// printer serialises writes from the snapshot and status goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// watch prints snapshots and status changes until ctx ends. When the
// backend drops the session the configured key is used to sign in again.
func watch(ctx context.Context, c *client.Client, out io.Writer) error {
	p := &printer{out: out}
	snapshots := make(chan telemetry.Snapshot, watchBuffer)
	reauth := make(chan struct{}, 1)

	unsubscribe := c.Subscribe(func(s telemetry.Snapshot) {
		select {
		case snapshots <- s:
		default:
			logger.Warn().Int64("timestamp", s.Timestamp).Msg("Output too slow, skipped snapshot")
		}
	})
	defer unsubscribe()

	removeStatus := c.OnStatus(func(st connection.Status) {
		p.println(renderStatus(st))
		if st.State == connection.Error && transport.IsAuthFailure(st.Err) {
			select {
			case reauth <- struct{}{}:
			default:
			}
		}
	})
	defer removeStatus()

	c.Connect()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-snapshots:
				p.println(renderSnapshot(s))
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reauth:
				if err := authenticate(gctx, c); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		c.Disconnect()
		return nil
	})

	return g.Wait()
}
