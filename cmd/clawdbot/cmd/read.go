package cmd

import (
	"github.com/spf13/cobra"
)

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <relPath>",
		Short: "Read a memory file through the path gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			content, err := m.ReadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printf("%s", content.Text)
			return nil
		},
	}
}
