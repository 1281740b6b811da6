package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/dlcore/internal/output"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List paused, failed and running tasks kept in storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			tasks, err := st.manager.List(cmd.Context())
			if err != nil {
				return err
			}
			output.PrintTasks(os.Stdout, tasks)
			return nil
		},
	}
}
