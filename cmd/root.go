package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/log"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:     "chatrelay",
	Short:   "Real-time relay for multi-room chat",
	Long:    `A websocket relay that fans chat messages out across processes through Redis, with presence tracking and out-of-band persistence.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.Init(buildLogConfig(cmd))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
	SilenceUsage: true,
}

func init() {
	// Set version template to include build info when available
	rootCmd.SetVersionTemplate("chatrelay version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.String("log-mode", "console", "Log output: console or file")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("log-file", "chatrelay.log", "Log file path when --log-mode=file")
	pf.Int("log-buffer", 500, "Log lines kept in memory for /_/logs (0 disables)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
