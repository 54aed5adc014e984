package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every memory",
		Long:  "Delete every memory and reset the vector index. Irreversible; requires --yes.",
		Run:   runClear,
	}

	cmd.Flags().Bool("yes", false, "Confirm")

	RootCmd.AddCommand(cmd)
}

func runClear(cmd *cobra.Command, args []string) {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		exitErr("clear", errors.New("refusing to clear without --yes"))
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	if err := e.mem.Clear(cmd.Context()); err != nil {
		e.Close()
		exitErr("clear", err)
	}

	printResult(cmd.OutOrStdout(), result{Success: true})
}
