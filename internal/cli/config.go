package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Run:   runConfigShow,
	}
	show.Flags().Bool("path", false, "Only print the config file in use")

	cmd.AddCommand(show)
	RootCmd.AddCommand(cmd)
}

func runConfigShow(cmd *cobra.Command, args []string) {
	if pathOnly, _ := cmd.Flags().GetBool("path"); pathOnly {
		fmt.Fprintln(cmd.OutOrStdout(), settings.File())
		return
	}
	if err := settings.Show(cmd.OutOrStdout()); err != nil {
		exitErr("config show", err)
	}
}
