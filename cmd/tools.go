package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools [TOOL]",
	Short: "List tools, or print the action schema of one tool",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTools,
}

func runTools(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		schema, ok := a.reg.Schema(args[0])
		if !ok {
			return fmt.Errorf("tool %s not found", args[0])
		}
		return printJSON(os.Stdout, schema)
	}

	list := a.reg.Tools()
	if asJSON {
		return printJSON(os.Stdout, list)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "TOOL\tACTIONS\tDESCRIPTION")
	for _, t := range list {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", t.Name, len(t.Actions), t.Description)
	}
	return w.Flush()
}

func init() {
	toolsCmd.Flags().Bool("json", false, "print the tool list as JSON")
}
