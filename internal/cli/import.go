package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import memories from JSON",
		Long:  "Import memories from JSON (stdin or --input). Expects the format produced by export; ids are reassigned.",
		Run:   runImport,
	}

	cmd.Flags().String("input", "", "Read from file instead of stdin")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	input, _ := cmd.Flags().GetString("input")

	var r io.Reader = os.Stdin
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		exitErr("read input", err)
	}

	var records []memory.ExportRecord
	if err := json.Unmarshal(data, &records); err != nil {
		exitErr("parse json", err)
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	imported, err := e.mem.Import(cmd.Context(), records)
	if err != nil {
		e.Close()
		exitResult(result{Imported: &imported, Error: "import: " + err.Error()})
	}

	printResult(cmd.OutOrStdout(), result{Success: true, Imported: &imported})
}
