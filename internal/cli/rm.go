package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runRm,
	}

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) {
	id := args[0]

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	if err := e.mem.Delete(cmd.Context(), id); err != nil {
		e.Close()
		exitResult(result{ID: id, Error: "rm: " + err.Error()})
	}

	printResult(cmd.OutOrStdout(), result{Success: true, ID: id})
}
