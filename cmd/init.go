package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/db"
	"github.com/markb/chatrelay/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new relay database",
	Long: `Creates a new SQLite database with the room and message tables.
Pass --room to create one or more public rooms at the same time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := stringSetting(cmd, "db", "RELAY_DB")
		rooms, _ := cmd.Flags().GetStringSlice("room")

		if _, err := os.Stat(dbPath); err == nil {
			return fmt.Errorf("database already exists at %s", dbPath)
		}

		database, err := db.New(dbPath)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		defer database.Close()

		if err := database.RunMigrations(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		rs := store.NewRoomStore(database)
		for _, id := range rooms {
			if _, err := rs.CreateRoom(context.Background(), store.Room{ID: id, Name: id, Type: store.RoomPublic}); err != nil {
				return fmt.Errorf("failed to create room %s: %w", id, err)
			}
		}

		if len(rooms) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized database at %s with %d room(s)\n", dbPath, len(rooms))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized database at %s\n", dbPath)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("db", "chatrelay.db", "Path to database file")
	initCmd.Flags().StringSlice("room", nil, "Create a public room with this id (repeatable)")
}
