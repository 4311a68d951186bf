package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/discovery"
)

var discoverWait bool

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Probe the candidate ports for a running relay",
	Long: `Probe each candidate port in order and print where a relay answered.

With --wait, keep retrying under backoff until a relay appears.`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().BoolVar(&discoverWait, "wait", false, "Keep probing until a relay appears")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	c := newClient()
	resolver := c.Resolver()

	ctx := context.Background()
	start := time.Now()

	var baseURL string
	var err error
	if discoverWait {
		baseURL, err = resolver.ResolveWithRetry(ctx)
	} else {
		baseURL, err = resolver.ResolveBaseURL(ctx)
	}
	if err != nil {
		if errors.Is(err, discovery.ErrNoServerFound) {
			color.Red("no relay found")
		}
		return err
	}

	color.Green("relay found at %s", baseURL)
	fmt.Printf("resolved in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
