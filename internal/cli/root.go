// Package cli implements the vecmem CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/config"
	"github.com/rcliao/vecmem/internal/embedding"
	"github.com/rcliao/vecmem/internal/logger"
	"github.com/rcliao/vecmem/internal/memory"
	"github.com/rcliao/vecmem/internal/store"
)

var (
	configFile  string
	dataDirFlag string

	settings *config.Source
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "vecmem",
	Short: "Local memory with vector retrieval",
	Long: "Store text memories with metadata and importance, then retrieve them by meaning or keyword. " +
		"SQLite and a flat vector index on disk, single binary.",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: vecmem.yaml in ., $XDG_CONFIG_HOME/vecmem or ~/.config/vecmem)")
	RootCmd.PersistentFlags().StringVarP(&dataDirFlag, "data-dir", "d", "", "Data directory (overrides data_dir and $VECMEM_DATA_DIR)")
	RootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

func loadSettings(cmd *cobra.Command, args []string) error {
	src, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg := src.Config()
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lc := cfg.LoggerConfig()
	lc.Output = cmd.ErrOrStderr()
	logger.Init(lc)
	src.SetLogger(logger.ForComponent("config"))
	settings = src
	return nil
}

// engine is everything a command needs, built once per invocation.
type engine struct {
	cfg      *config.Config
	docs     *store.SQLiteStore
	mem      *memory.Store
	provider embedding.Provider
	log      *slog.Logger
}

func openEngine(ctx context.Context) (*engine, error) {
	cfg := settings.Config()
	log := logger.ForComponent("cli")

	provider, err := embedding.New(cfg.EmbeddingOptions())
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}
	docs, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		closeProvider(provider)
		return nil, err
	}
	mem, err := memory.Open(ctx, cfg.MemoryOptions(), docs, provider, logger.ForComponent("memory"))
	if err != nil {
		docs.Close()
		closeProvider(provider)
		return nil, err
	}
	log.Debug("engine ready", "data_dir", cfg.DataDir, "provider", cfg.Embedding.Provider, "dimension", mem.Dimension())
	return &engine{cfg: cfg, docs: docs, mem: mem, provider: provider, log: log}, nil
}

func (e *engine) Close() {
	if err := e.mem.Close(context.Background()); err != nil {
		e.log.Error("close store", "err", err)
	}
	closeProvider(e.provider)
}

func closeProvider(p embedding.Provider) {
	if c, ok := p.(interface{ Close() }); ok {
		c.Close()
	}
}

// result is the envelope printed by mutating commands.
type result struct {
	Success  bool   `json:"success"`
	ID       string `json:"id,omitempty"`
	Imported *int   `json:"imported,omitempty"`
	Exported *int   `json:"exported,omitempty"`
	Error    string `json:"error,omitempty"`
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}

func printResult(w io.Writer, r result) {
	b, _ := json.Marshal(r)
	fmt.Fprintln(w, string(b))
}

func exitErr(msg string, err error) {
	exitResult(result{Error: fmt.Sprintf("%s: %v", msg, err)})
}

func exitResult(r result) {
	printResult(os.Stdout, r)
	os.Exit(1)
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// readInput returns the joined args, or stdin when it is piped.
func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", errors.New("content is required (positional arg or stdin)")
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}
