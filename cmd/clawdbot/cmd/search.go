package cmd

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			results, err := m.Search(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			if jsonOut || !interactive() {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			if len(results) == 0 {
				printf("no results\n")
				return nil
			}
			for i, r := range results {
				snippet := r.Text
				if len(snippet) > 120 {
					snippet = snippet[:120] + "..."
				}
				printf("%2d. %.3f %s [%s]\n    %s\n", i+1, r.Score, r.Path, r.Source,
					strings.ReplaceAll(snippet, "\n", " "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}
