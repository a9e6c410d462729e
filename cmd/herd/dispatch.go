package main

import (
	"fmt"

	"github.com/cuemby/herd/pkg/events"
	"github.com/cuemby/herd/pkg/membership"
	"github.com/cuemby/herd/pkg/relation"
	"github.com/cuemby/herd/pkg/types"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch EVENT",
	Short: "Handle one host event to completion",
	Long: `Handle one host event for the local unit and exit.

EVENT is one of: install, config-changed, leader-elected, update-status,
relation-joined, relation-changed, relation-departed, relation-broken, remove.

Relation events name the relation instance with --relation. The endpoint is
taken from the relation id ("peer:1" belongs to endpoint "peer") unless
--endpoint is given. Leadership is fixed for the whole event by --leader.

A failed step exits non-zero so the host runtime redelivers the event.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := eventFromFlags(cmd, args[0])
		if err != nil {
			return err
		}
		leader, _ := cmd.Flags().GetBool("leader")

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		coord, err := rt.hostTracker(membership.StaticLeadership(leader))
		if err != nil {
			return err
		}
		if err := coord.Dispatch(cmd.Context(), ev); err != nil {
			return fmt.Errorf("%s: %w", ev, err)
		}

		status, err := coord.Status(cmd.Context())
		if err == nil {
			fmt.Println(status)
		}
		return nil
	},
}

func init() {
	addEventFlags(dispatchCmd)
	dispatchCmd.Flags().Bool("leader", false, "Whether this unit holds leadership")
}

func addEventFlags(cmd *cobra.Command) {
	cmd.Flags().String("relation", "", "Relation id, e.g. peer:1")
	cmd.Flags().String("endpoint", "", "Relation endpoint (default: derived from --relation)")
	cmd.Flags().String("remote-app", "", "Application on the other side of the relation")
	cmd.Flags().String("remote-unit", "", "Unit that triggered the event")
	cmd.Flags().String("departing-unit", "", "Unit leaving the relation (relation-departed)")
}

// eventFromFlags builds the event named by kind from the dispatch flags
func eventFromFlags(cmd *cobra.Command, kind string) (*events.Event, error) {
	k, err := events.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	rel, _ := cmd.Flags().GetString("relation")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	remoteApp, _ := cmd.Flags().GetString("remote-app")
	remoteUnit, _ := cmd.Flags().GetString("remote-unit")
	departing, _ := cmd.Flags().GetString("departing-unit")

	if endpoint == "" && rel != "" {
		endpoint = relation.Endpoint(rel)
	}

	ev := events.New(k)
	ev.Relation = rel
	ev.Endpoint = endpoint
	ev.RemoteApp = remoteApp
	ev.RemoteUnit = types.PeerID(remoteUnit)
	ev.DepartingUnit = types.PeerID(departing)
	if ev.RemoteApp == "" && ev.RemoteUnit != "" {
		ev.RemoteApp = ev.RemoteUnit.App()
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
