package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/dlcore/internal/output"
	"github.com/tanq16/dlcore/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove partial files and stored records for a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			st, err := buildStack(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			removed, err := st.manager.Clean(cmd.Context(), path)
			if err != nil {
				return err
			}
			if abs != path {
				n, err := st.manager.Clean(cmd.Context(), abs)
				if err != nil {
					return err
				}
				removed += n
			}
			if isDirectory(path) {
				if err := utils.CleanLocal(path); err != nil {
					return fmt.Errorf("error cleaning %s: %w", path, err)
				}
			}
			output.PrintSuccess(fmt.Sprintf("Cleaned %s (%d stored task(s) removed)", path, removed))
			return nil
		},
	}
}
