package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcules/modelctl/internal/auth"
	"github.com/mcules/modelctl/internal/store"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.PersistentFlags().String("db-path", "modelrepo.db", "SQLite database for overrides and API keys")
	cmd.AddCommand(newKeysCreateCmd(opts), newKeysListCmd(opts), newKeysDeleteCmd(opts))
	return cmd
}

func openKeyStore(cmd *cobra.Command, opts *rootOptions) (*store.Store, error) {
	cfg, err := loadConfig(opts.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.DBPath)
}

func newKeysCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openKeyStore(cmd, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			key, rec, err := auth.NewAuthenticator(db, zap.NewNop()).GenerateKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", rec.ID, key)
			return nil
		},
	}
}

func newKeysListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openKeyStore(cmd, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			keys, err := db.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tCREATED\tLAST USED")
			for _, k := range keys {
				lastUsed := "-"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Prefix, k.CreatedAt.Format(time.RFC3339), lastUsed)
			}
			return tw.Flush()
		},
	}
}

func newKeysDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openKeyStore(cmd, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.DeleteAPIKey(cmd.Context(), args[0])
		},
	}
}
