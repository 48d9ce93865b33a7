package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/wearlink-go/internal/latest"
)

func newLatestCommand() *cobra.Command {
	var (
		storePath string
		key       string
	)

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Show values recorded by a listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storePath == "" {
				storePath = cfg.Store.Path
			}
			if storePath == "" {
				return fmt.Errorf("store-path is required")
			}

			store, err := latest.OpenSQLite(storePath)
			if err != nil {
				return err
			}
			defer store.Close()

			var records []latest.Record
			if key != "" {
				rec, err := store.Get(cmd.Context(), key)
				if err != nil {
					return fmt.Errorf("no value for %s: %w", key, err)
				}
				records = append(records, rec)
			} else if records, err = store.List(cmd.Context()); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No values recorded")
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n",
					rec.Key, rec.PeerID, rec.UpdatedAt.Format("2006-01-02 15:04:05"), string(rec.Payload))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storePath, "store-path", "", "SQLite database written by 'listen --store sqlite'")
	cmd.Flags().StringVar(&key, "key", "", "Show only this path")

	return cmd
}
