package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vmplex/types"
	"github.com/projecteru2/vmplex/utils"
	"github.com/projecteru2/vmplex/vm"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List VMs with status",
	RunE:  runPS,
}

func runPS(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	state, _ := cmd.Flags().GetString("state")
	a, err := initApp()
	if err != nil {
		return err
	}
	defer a.Close()

	vms, err := a.vms.List(ctx, vm.StateFilter(state), true)
	if err != nil {
		return fmt.Errorf("ps: %w", err)
	}
	if len(vms) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	byState := map[types.VMState]int{}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tCPU\tMEMORY\tOS\tUUID")
	for _, v := range vms {
		byState[v.State]++
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			v.Name,
			v.State,
			v.CPU,
			units.BytesSize(float64(v.MemoryMB)*units.MiB),
			v.OSType,
			v.ID,
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	var summary []string
	for _, s := range utils.SortedKeys(byState) {
		summary = append(summary, fmt.Sprintf("%d %s", byState[s], s))
	}
	fmt.Printf("\n%d VMs: %s\n", len(vms), strings.Join(summary, ", "))
	return nil
}

func init() {
	psCmd.Flags().String("state", string(vm.FilterAll), "all, running or stopped")
}
