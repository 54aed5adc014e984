package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/memory"
	"github.com/rcliao/vecmem/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("source", "s", "user", "Who produced it: user, assistant, tool, document, system")
	cmd.Flags().String("type", "semantic", "Type: semantic, episodic, procedural, conversation, document")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().Float64P("importance", "i", 0, "Explicit importance (default: scored from content and source)")
	cmd.Flags().Duration("ttl", 0, "Expire after this long (default: memory.default_expiry)")
	cmd.Flags().Bool("no-expiry", false, "Never expire, ignoring memory.default_expiry")
	cmd.Flags().StringToString("ext", nil, "Extension metadata as key=value pairs")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	source, _ := cmd.Flags().GetString("source")
	typ, _ := cmd.Flags().GetString("type")
	tagsStr, _ := cmd.Flags().GetString("tags")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	noExpiry, _ := cmd.Flags().GetBool("no-expiry")
	ext, _ := cmd.Flags().GetStringToString("ext")

	content, err := readInput(args)
	if err != nil {
		exitErr("put", err)
	}

	var opts memory.StoreOptions
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetFloat64("importance")
		opts.Importance = &v
	}
	if ttl > 0 {
		at := time.Now().Add(ttl)
		opts.ExpiresAt = &at
	}
	opts.NoExpiry = noExpiry

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	id, err := e.mem.Store(cmd.Context(), content, model.Metadata{
		Source: source,
		Type:   typ,
		Tags:   splitTags(tagsStr),
		Ext:    ext,
	}, opts)
	if err != nil {
		// on a persistence failure id is set and the entry lived in memory only
		e.Close()
		exitResult(result{ID: id, Error: fmt.Sprintf("put: %v", err)})
	}

	printResult(cmd.OutOrStdout(), result{Success: true, ID: id})
}
