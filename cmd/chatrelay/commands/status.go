package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the relay's connection status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c := newClient()

	status, err := c.Status(context.Background())
	if err != nil {
		return err
	}

	if status.Status != "connected" {
		color.Red("status:   %s", status.Status)
		return nil
	}

	color.Green("status:   %s", status.Status)
	fmt.Printf("port:     %d\n", status.Port)
	fmt.Printf("clients:  %d\n", status.Clients)
	fmt.Printf("sessions: %d active\n", status.ActiveSessionCount)
	return nil
}
