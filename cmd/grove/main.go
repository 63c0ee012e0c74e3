package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "grove",
		Short: "Commit-graph storage engine",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTipCmd())
	root.AddCommand(newHeadsCmd())
	root.AddCommand(newLogCmd())
	root.AddCommand(newDebugIndexCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newStripCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("grove 0.1.0-dev")
		},
	}
}
