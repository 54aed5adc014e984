package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/memory"
	"github.com/rcliao/vecmem/internal/model"
	"github.com/rcliao/vecmem/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory, index and database statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

type statsOutput struct {
	Memory  model.Stats            `json:"memory"`
	Index   memory.IndexStats      `json:"index"`
	DB      *store.DBStats         `json:"db"`
	Metrics memory.MetricsSnapshot `json:"metrics"`
	Weights memory.Weights         `json:"weights"`
}

func runStats(cmd *cobra.Command, args []string) {
	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	db, err := e.docs.Stats(cmd.Context())
	if err != nil {
		e.Close()
		exitErr("stats", err)
	}

	printJSON(cmd.OutOrStdout(), statsOutput{
		Memory:  e.mem.Stats(),
		Index:   e.mem.IndexStats(),
		DB:      db,
		Metrics: e.mem.Metrics(),
		Weights: e.mem.Weights(),
	})
}
