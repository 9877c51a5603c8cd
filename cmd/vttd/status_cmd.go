package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/vttd"
	"pkt.systems/vttd/client"
)

func newStatusCommand() *cobra.Command {
	var controlAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the running backend's health and endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			control := client.NewControl(controlAddr)
			health, err := control.Health(ctx)
			if err != nil {
				if errors.Is(err, client.ErrBackendUnreachable) {
					return fmt.Errorf("no backend answers at %s", controlAddr)
				}
				return err
			}
			owner, err := control.Owner(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state:          %s\n", health.State)
			fmt.Fprintf(out, "pid:            %d\n", owner.PID)
			fmt.Fprintf(out, "control:        %s\n", owner.ControlAddr)
			fmt.Fprintf(out, "bridge:         %s\n", owner.BridgeAddr)
			fmt.Fprintf(out, "uptime:         %ds\n", health.UptimeSeconds)
			fmt.Fprintf(out, "session_active: %t\n", health.SessionActive)
			if health.SessionID != "" {
				fmt.Fprintf(out, "session_id:     %s\n", health.SessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&controlAddr, "control-addr", "a", vttd.DefaultControlListen, "backend control endpoint")
	return cmd
}

func newShutdownCommand() *cobra.Command {
	var controlAddr string
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the running backend to stop and release the lock artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			control := client.NewControl(controlAddr)
			ack, err := control.Shutdown(cmd.Context())
			if err != nil {
				if errors.Is(err, client.ErrBackendUnreachable) {
					return fmt.Errorf("no backend answers at %s", controlAddr)
				}
				return err
			}
			if !ack.ShuttingDown {
				return fmt.Errorf("backend refused shutdown")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backend shutting down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&controlAddr, "control-addr", "a", vttd.DefaultControlListen, "backend control endpoint")
	return cmd
}
