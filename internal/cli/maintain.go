package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/maintenance"
	"github.com/rcliao/vecmem/internal/memory"
)

var maintenanceOrder = []string{
	maintenance.JobExpiry,
	maintenance.JobDecay,
	maintenance.JobPrune,
	maintenance.JobCompact,
	maintenance.JobCheckpoint,
}

func init() {
	cmd := &cobra.Command{
		Use:   "maintain [job...]",
		Short: "Run maintenance jobs once",
		Long: "Run maintenance jobs once, in order: expiry, decay, prune, compact, checkpoint. " +
			"Name jobs to run only those.",
		Run: runMaintain,
	}

	cmd.Flags().Bool("force-compact", false, "Compact even below the tombstone threshold")

	RootCmd.AddCommand(cmd)
}

type maintainOutput struct {
	Success bool                    `json:"success"`
	Jobs    []maintenance.JobStatus `json:"jobs"`
	Compact *memory.CompactResult   `json:"compact,omitempty"`
	Stats   any                     `json:"stats"`
}

func runMaintain(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force-compact")
	jobs := args
	if len(jobs) == 0 {
		jobs = maintenanceOrder
	}

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	sched := maintenance.New(e.mem, e.cfg.Intervals(), e.log)
	out := maintainOutput{Success: true}
	for _, name := range jobs {
		if name == maintenance.JobCompact && force {
			res, err := e.mem.Compact(cmd.Context(), true)
			if err != nil {
				e.Close()
				exitErr("compact", err)
			}
			out.Compact = &res
			continue
		}
		if err := sched.RunNow(cmd.Context(), name); err != nil {
			e.Close()
			exitErr(fmt.Sprintf("maintain %s", name), err)
		}
	}
	out.Jobs = sched.Jobs()
	out.Stats = e.mem.Stats()

	printJSON(cmd.OutOrStdout(), out)
}
