package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			status, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOut || !interactive() {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			printf("files:   %d\nchunks:  %d\nmodel:   %s\nvector:  enabled=%t available=%t\nfts:     available=%t\n",
				status.Files, status.Chunks, status.EmbeddingModel,
				status.Vector.Enabled, status.Vector.Available, status.FTS.Available)
			if !status.LastSyncedAt.IsZero() {
				printf("synced:  %s\n", status.LastSyncedAt.Format("2006-01-02 15:04:05"))
			}
			for _, sc := range status.SourceCounts {
				printf("  %-10s %d files, %d chunks\n", sc.Source, sc.Files, sc.Chunks)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}
