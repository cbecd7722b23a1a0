package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend/fastly"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
)

// newCleanupCommand replays the cleanup log written by internal/backend/fastly,
// deleting every recorded ACL/VCL resource. Grounded on
// original_source/src/fastly_bouncer/main.py's cleanup(), which reads the
// same (token, url) pairs back and issues a bare DELETE against each.
func newCleanupCommand() *cobra.Command {
	var logPath string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Deletes every Fastly ACL/VCL resource recorded in the cleanup log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logPath == "" {
				return fmt.Errorf("-d requires a path to the cleanup log via --log")
			}

			if _, err := os.Stat(logPath); err != nil {
				return fmt.Errorf("opening cleanup log: %w", err)
			}

			recorder, err := fastly.NewFileCleanupRecorder(logPath)
			if err != nil {
				return fmt.Errorf("opening cleanup log: %w", err)
			}

			entries, err := recorder.ReadAll()
			if err != nil {
				return fmt.Errorf("reading cleanup log: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("nothing to delete")
				return nil
			}

			client := httpclient.New()
			var firstErr error
			for _, entry := range entries {
				if err := fastly.DeleteResource(cmd.Context(), client, entry.APIToken, entry.ResourceURL); err != nil {
					fmt.Printf("failed deleting %s: %s\n", entry.ResourceURL, err)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				fmt.Println("deleted", entry.ResourceURL)
			}

			return firstErr
		},
	}

	cmd.Flags().StringVarP(&logPath, "log", "d", "", "Path to the cleanup log to replay")

	return cmd
}
