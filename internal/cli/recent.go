package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the newest memories",
		Run:   runRecent,
	}

	cmd.Flags().IntP("limit", "l", memory.DefaultSearchLimit, "Max results")
	cmd.Flags().Bool("ids-only", false, "Only output ids")

	RootCmd.AddCommand(cmd)
}

func runRecent(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	memories, err := e.mem.Recent(cmd.Context(), limit)
	if err != nil {
		e.Close()
		exitErr("recent", err)
	}

	if idsOnly {
		for _, m := range memories {
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
		}
		return
	}
	if len(memories) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "[]")
		return
	}
	printJSON(cmd.OutOrStdout(), memories)
}
