package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatrelay/internal/provider"
)

var (
	chatModel    string
	chatBlocking bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>",
	Short: "Send a chat prompt to the relay",
	Long: `Send a chat prompt and stream the reply to stdout.

Examples:
  chatrelay chat "explain this stack trace"
  chatrelay chat --model copilot-gpt-4 "write a haiku"
  chatrelay chat --blocking "short answer please"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model ID to use")
	chatCmd.Flags().BoolVar(&chatBlocking, "blocking", false, "Wait for the full reply instead of streaming")
}

func runChat(cmd *cobra.Command, args []string) error {
	c := newClient()
	prompt := strings.Join(args, " ")
	messages := []provider.Message{{Role: "user", Content: prompt}}

	ctx := context.Background()

	if chatBlocking {
		result, err := c.ChatBlocking(ctx, messages, chatModel)
		if err != nil {
			return err
		}
		printSimulatedNotice(result.Simulated)
		fmt.Println(result.Content)
		return nil
	}

	result, err := c.Chat(ctx, messages, chatModel, func(chunk string) {
		fmt.Print(chunk)
	})
	if err != nil {
		return err
	}
	fmt.Println()
	printSimulatedNotice(result.Simulated)
	return nil
}

func printSimulatedNotice(simulated bool) {
	if simulated {
		color.Yellow("(no relay server found; this was a simulated response)")
	}
}
