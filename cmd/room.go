package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/db"
	"github.com/markb/chatrelay/internal/store"
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage rooms and their members",
	Long: `Commands for managing the room membership that decides who may join
and send to room channels.`,
}

// openRooms opens the database named by --db and returns a room store on it.
func openRooms(cmd *cobra.Command) (*store.RoomStore, func(), error) {
	dbPath := stringSetting(cmd, "db", "RELAY_DB")
	database, err := db.New(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store.NewRoomStore(database), func() { database.Close() }, nil
}

var roomCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a room",
	Long: `Create a room. The creator becomes its first ADMIN member.

Examples:
  chatrelay room create general --creator u1
  chatrelay room create ops --creator u1 --id ops --type PRIVATE`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, done, err := openRooms(cmd)
		if err != nil {
			return err
		}
		defer done()

		id, _ := cmd.Flags().GetString("id")
		typ, _ := cmd.Flags().GetString("type")
		creator, _ := cmd.Flags().GetString("creator")

		room, err := rooms.CreateRoom(context.Background(), store.Room{ID: id, Name: args[0], Type: typ, CreatedBy: creator})
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created room %s (%s)\n", room.ID, room.Name)
		return nil
	},
}

var roomListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, done, err := openRooms(cmd)
		if err != nil {
			return err
		}
		defer done()

		list, err := rooms.ListRooms(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No rooms")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tCREATED BY")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Type, r.CreatedBy)
		}
		return w.Flush()
	},
}

var roomDeleteCmd = &cobra.Command{
	Use:   "delete <room-id>",
	Short: "Delete a room and its memberships",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, done, err := openRooms(cmd)
		if err != nil {
			return err
		}
		defer done()

		if err := rooms.DeleteRoom(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete room: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted room %s\n", args[0])
		return nil
	},
}

var roomAddCmd = &cobra.Command{
	Use:   "add <room-id> <identity>",
	Short: "Add a member to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, done, err := openRooms(cmd)
		if err != nil {
			return err
		}
		defer done()

		role, _ := cmd.Flags().GetString("role")
		if err := rooms.AddMember(context.Background(), args[0], args[1], role); err != nil {
			return fmt.Errorf("failed to add member: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s as %s\n", args[1], args[0], role)
		return nil
	},
}

var roomRemoveCmd = &cobra.Command{
	Use:   "remove <room-id> <identity>",
	Short: "Remove a member from a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, done, err := openRooms(cmd)
		if err != nil {
			return err
		}
		defer done()

		if err := rooms.RemoveMember(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

var roomMembersCmd = &cobra.Command{
	Use:   "members <room-id>",
	Short: "List the members of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, done, err := openRooms(cmd)
		if err != nil {
			return err
		}
		defer done()

		members, err := rooms.Members(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tROLE")
		for _, m := range members {
			fmt.Fprintf(w, "%s\t%s\n", m.IdentityID, m.Role)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(roomCmd)
	roomCmd.AddCommand(roomCreateCmd, roomListCmd, roomDeleteCmd, roomAddCmd, roomRemoveCmd, roomMembersCmd)

	roomCmd.PersistentFlags().String("db", "chatrelay.db", "Path to database file")
	roomCreateCmd.Flags().String("id", "", "Room id (generated when empty)")
	roomCreateCmd.Flags().String("type", store.RoomPublic, "Room type: PUBLIC or PRIVATE")
	roomCreateCmd.Flags().String("creator", "", "Identity of the creator")
	roomCreateCmd.MarkFlagRequired("creator")
	roomAddCmd.Flags().String("role", store.RoleMember, "Member role: ADMIN or MEMBER")
}
