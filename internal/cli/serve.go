package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/config"
	"github.com/rcliao/vecmem/internal/logger"
	"github.com/rcliao/vecmem/internal/maintenance"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background maintenance until interrupted",
		Long: "Keep the store open and run expiry, decay, pruning, compaction and checkpoints on their intervals. " +
			"Edits to memory.weights in the config file apply without a restart.",
		Run: runServe,
	}

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEngine(ctx)
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	settings.Watch(func(cfg *config.Config) {
		e.mem.SetWeights(cfg.Weights())
		e.log.Info("ranking weights updated", "weights", e.mem.Weights())
	})

	events, cancel := e.mem.Subscribe(64)
	defer cancel()
	go func() {
		for ev := range events {
			e.log.Debug("memory event", "kind", ev.Kind, "id", ev.ID, "reason", ev.Reason)
		}
	}()

	sched := maintenance.New(e.mem, e.cfg.Intervals(), logger.ForComponent("maintenance"))
	if err := sched.Start(ctx); err != nil {
		e.Close()
		exitErr("start maintenance", err)
	}
	e.log.Info("serving", "data_dir", e.cfg.DataDir, "config", settings.File())

	<-ctx.Done()
	sched.Stop()
	e.log.Info("shutting down")

	printJSON(cmd.OutOrStdout(), maintainOutput{Success: true, Jobs: sched.Jobs(), Stats: e.mem.Stats()})
}
