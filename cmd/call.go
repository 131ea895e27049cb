package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call TOOL ACTION [key=value...]",
	Short: "Invoke one tool action and print the result envelope",
	Example: `  vmplex call vm_management create vm_name=web cpu=2 memory_mb=2G
  vmplex call snapshot_management create vm_name=web snapshot_name=base`,
	Args: cobra.MinimumNArgs(2), //nolint:mnd
	RunE: runCall,
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	params, err := parseParams(args[2:])
	if err != nil {
		return err
	}
	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.reg.Dispatch(ctx, args[0], args[1], params)
	if err := printJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s.%s %s: %s", args[0], args[1], res.Status, res.Error.Kind)
	}
	return nil
}
