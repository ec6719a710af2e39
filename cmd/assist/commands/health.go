package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
	"github.com/spf13/cobra"
)

// newHealthCmd creates the `assist health` command. Used by Docker
// HEALTHCHECK and monitoring: exit code 0 means config and database are
// reachable.
func newHealthCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check service health",
		Long:  `Checks that configuration loads and the database is reachable, and reports thread counts as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report := map[string]any{
				"status":  "ok",
				"version": version,
			}

			_, db, err := openStore(cmd)
			if err != nil {
				report["status"] = "error"
				report["error"] = err.Error()
				printJSON(report)
				os.Exit(1)
			}
			defer db.Close()

			threads, err := db.List(cmd.Context(), "")
			if err != nil {
				report["status"] = "error"
				report["error"] = fmt.Sprintf("listing threads: %v", err)
				printJSON(report)
				os.Exit(1)
			}

			active := 0
			for _, t := range threads {
				if t.Status == store.ThreadActive {
					active++
				}
			}
			report["threads"] = len(threads)
			report["active_threads"] = active

			printJSON(report)
			return nil
		},
	}
}

func printJSON(v any) {
	data, _ := json.Marshal(v)
	fmt.Println(string(data))
}
