package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/herd/pkg/daemon"
	"github.com/cuemby/herd/pkg/log"
	"github.com/cuemby/herd/pkg/membership"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Receive host events over HTTP and handle them one at a time",
	Long: `Run herd as a long-lived agent. Host events are posted to
POST /v1/events and leadership changes to PUT /v1/leadership. Events are
handled one at a time, and update-status runs on a timer.

The daemon holds the local store open; stop it before using the other
commands against the same data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetBool("leader")
		interval, _ := cmd.Flags().GetDuration("status-interval")
		listen, _ := cmd.Flags().GetString("listen")

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if listen == "" {
			listen = rt.cfg.Metrics.Listen
		}

		flag := membership.NewLeaderFlag(leader)
		coord, err := rt.hostTracker(flag)
		if err != nil {
			return err
		}

		d := daemon.New(coord, flag, daemon.Options{
			Listen:         listen,
			StatusInterval: interval,
		})
		if err := d.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}

		fmt.Printf("Herd daemon for %s listening on %s\n", rt.cfg.Unit, listen)
		fmt.Println("Press Ctrl+C to stop")

		// Wait for interrupt signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("Shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return d.Stop(ctx)
	},
}

func init() {
	daemonCmd.Flags().Bool("leader", false, "Initial leadership of this unit")
	daemonCmd.Flags().Duration("status-interval", 5*time.Minute, "Period of update-status events")
	daemonCmd.Flags().String("listen", "", "HTTP listen address (default: metrics.listen from config)")
}
