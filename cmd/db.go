package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/db"
	"github.com/markb/chatrelay/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the room and message tables.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the schema to an existing database",
	Long: `Apply the room and message schema. Every statement is idempotent,
so running it against an up-to-date database is a no-op.

Examples:
  chatrelay db migrate
  chatrelay db migrate --db data.db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := stringSetting(cmd, "db", "RELAY_DB")
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("database not found at %s (run 'chatrelay init' first)", dbPath)
		}

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.RunMigrations(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database at %s is up to date\n", dbPath)
		return nil
	},
}

var dbHistoryCmd = &cobra.Command{
	Use:   "history <channel>",
	Short: "Print the stored messages of a channel",
	Long: `Print the most recent persisted messages of a channel, oldest first.

Examples:
  chatrelay db history public
  chatrelay db history room:general --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := stringSetting(cmd, "db", "RELAY_DB")
		limit, _ := cmd.Flags().GetInt("limit")

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		msgs, err := store.NewSQLitePersister(database).History(context.Background(), args[0], limit)
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No messages on %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSENDER\tCONTENT")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd, dbHistoryCmd)

	dbCmd.PersistentFlags().String("db", "chatrelay.db", "Path to database file")
	dbHistoryCmd.Flags().Int("limit", 50, "Maximum number of messages")
}
