package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/channel"
	"github.com/markb/chatrelay/internal/presence"
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Inspect and override presence records",
	Long:  `Commands for reading and writing the Redis presence records shared by all relay nodes.`,
}

func openPresence(cmd *cobra.Command) (*presence.RedisStore, func(), error) {
	cfg := buildBusConfig(cmd)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	ttl := durationSetting(cmd, "presence-ttl", "RELAY_PRESENCE_TTL")
	return presence.NewRedisStore(rdb, ttl), func() { rdb.Close() }, nil
}

var presenceGetCmd = &cobra.Command{
	Use:   "get <identity>",
	Short: "Print the presence record of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := channel.Inbox(args[0]); err != nil {
			return err
		}
		ps, done, err := openPresence(cmd)
		if err != nil {
			return err
		}
		defer done()

		rec, err := ps.Get(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read presence: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var presenceSetCmd = &cobra.Command{
	Use:   "set <identity> <ONLINE|OFFLINE>",
	Short: "Override the presence of an identity",
	Long: `Override the presence of an identity. Useful to clear a record left
ONLINE by a node that died without closing its connections.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := channel.Inbox(args[0]); err != nil {
			return err
		}
		status, err := presence.ParseStatus(args[1])
		if err != nil {
			return err
		}
		ps, done, err := openPresence(cmd)
		if err != nil {
			return err
		}
		defer done()

		if err := ps.SetStatus(context.Background(), args[0], status, nil); err != nil {
			return fmt.Errorf("failed to write presence: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", args[0], status)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(presenceCmd)
	presenceCmd.AddCommand(presenceGetCmd, presenceSetCmd)

	f := presenceCmd.PersistentFlags()
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.String("channel-prefix", "", "Prefix for Redis pub/sub channel names")
	f.Duration("presence-ttl", 0, "Expiry of written presence records (0 keeps them forever)")
}
