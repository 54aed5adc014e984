package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export every memory, oldest first, with its current importance and expiry.",
		Run:   runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	output, _ := cmd.Flags().GetString("output")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	records, err := e.mem.Export(cmd.Context())
	if err != nil {
		e.Close()
		exitErr("export", err)
	}

	if output == "" {
		printJSON(cmd.OutOrStdout(), records)
		return
	}
	f, err := os.Create(output)
	if err != nil {
		e.Close()
		exitErr("create output", err)
	}
	defer f.Close()
	printJSON(f, records)

	n := len(records)
	printResult(cmd.OutOrStdout(), result{Success: true, Exported: &n})
}
