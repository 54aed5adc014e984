package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/vecmem/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by meaning, falling back to keywords",
		Long: "Rank memories by a blend of vector similarity, importance and recency. " +
			"Short result lists are topped up with keyword matches; use --keyword to skip the vector path.",
		Args: cobra.MinimumNArgs(1),
		Run:  runSearch,
	}

	cmd.Flags().IntP("limit", "l", memory.DefaultSearchLimit, "Max results")
	cmd.Flags().String("type", "", "Filter by type")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags (comma-separated, all must match)")
	cmd.Flags().Float64("min-importance", 0, "Minimum importance")
	cmd.Flags().Bool("keyword", false, "Keyword matching only")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	typ, _ := cmd.Flags().GetString("type")
	tagsStr, _ := cmd.Flags().GetString("tags")
	minImportance, _ := cmd.Flags().GetFloat64("min-importance")
	keywordOnly, _ := cmd.Flags().GetBool("keyword")
	query := strings.Join(args, " ")

	e, err := openEngine(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer e.Close()

	results, err := e.mem.Search(cmd.Context(), query, memory.SearchOptions{
		Limit:           limit,
		MinImportance:   minImportance,
		Type:            typ,
		Tags:            splitTags(tagsStr),
		UseVectorSearch: !keywordOnly,
	})
	if err != nil {
		e.Close()
		exitErr("search", err)
	}

	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "[]")
		return
	}
	printJSON(cmd.OutOrStdout(), results)
}
