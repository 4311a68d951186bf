// Package commands provides the CLI commands for chatrelay.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/config"
	"github.com/chatrelay/chatrelay/internal/discovery"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/relayclient"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel string
	ports    []int
	timeout  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chatrelay",
	Short: "chatrelay - talk to a relay server from the terminal",
	Long: `chatrelay finds a running relay server on its candidate ports and
talks to it: send chat prompts, list models, or inspect its status.

When no relay is running, chat falls back to a clearly-labeled simulated
response so the command never just hangs.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "WARN", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().IntSliceVar(&ports, "ports", nil, "Candidate ports to probe (default: built-in list)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.SetVersionTemplate(fmt.Sprintf("chatrelay %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(discoverCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newClient builds a client from the global flags.
func newClient() *relayclient.Client {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(logLevel)
	logging.Init(logCfg)

	candidates := ports
	if len(candidates) == 0 {
		candidates = config.DefaultCandidatePorts()
	}

	resolver := discovery.NewResolver(discovery.WithCandidatePorts(candidates))
	return relayclient.New(resolver, relayclient.Options{Timeout: timeout})
}
