package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the relay's available models",
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	c := newClient()

	models, err := c.Models(context.Background())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVENDOR\tFAMILY\tMAX INPUT\t")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t\n",
			m.ID, m.Name, m.Vendor, m.Family, m.MaxInputTokens)
	}
	return w.Flush()
}
