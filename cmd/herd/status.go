package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/herd/pkg/membership"
	"github.com/cuemby/herd/pkg/storage"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded state of the local unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := cmd.Context()
		coord, err := rt.coordinator(membership.StaticLeadership(false))
		if err != nil {
			return err
		}

		status, err := coord.Status(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		fmt.Printf("Unit: %s\n", rt.cfg.Unit)
		fmt.Printf("  Status: %s\n", status)

		state, err := coord.State(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Println("  No events handled yet")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("  Role: %s\n", state.Role)
		fmt.Printf("  Hostname: %s\n", state.Hostname)
		fmt.Printf("  Installed: %t\n", state.Installed)
		fmt.Printf("  Joined: %t\n", state.Joined)
		if state.Leaving {
			fmt.Println("  Leaving: true")
		}
		if len(state.EnabledAddons) > 0 {
			fmt.Printf("  Addons: %s\n", strings.Join(state.EnabledAddons, ", "))
		}

		if len(state.Hostnames) > 0 {
			units := make([]string, 0, len(state.Hostnames))
			for unit := range state.Hostnames {
				units = append(units, string(unit))
			}
			sort.Strings(units)

			fmt.Println("  Known hostnames:")
			for _, unit := range units {
				fmt.Printf("    %s: %s\n", unit, state.Hostnames[types.PeerID(unit)])
			}
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List hostnames waiting for removal from the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		coord, err := rt.coordinator(membership.StaticLeadership(false))
		if err != nil {
			return err
		}
		pending, err := coord.PendingRemovals(cmd.Context())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("No pending removals")
			return nil
		}
		for _, host := range pending {
			fmt.Println(host)
		}
		return nil
	},
}
