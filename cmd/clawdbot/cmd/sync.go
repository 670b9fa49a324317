package cmd

import (
	"github.com/spf13/cobra"

	"github.com/leon90dm/clawdbot/internal/index"
)

func newSyncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the index with the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			result, err := m.Sync(cmd.Context(), index.Request{Force: force, Reason: "cli"})
			if err != nil {
				return err
			}

			printf("synced in %s: +%d ~%d -%d files, %d chunks (%d embedded, %d cached)\n",
				result.Duration.Round(1e6), result.FilesAdded, result.FilesUpdated,
				result.FilesDeleted, result.ChunksIndexed, result.EmbeddedChunks, result.CacheHits)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rebuild the entire index atomically")
	return cmd
}
