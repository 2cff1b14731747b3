package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/markb/chatrelay/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue relay tokens",
	Long:  `Commands for issuing access tokens and operator keys signed with the configured JWT secret.`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <identity>",
	Short: "Issue an access token for an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := auth.NewService(jwtSecret(cmd)).GenerateAccessToken(args[0], ttl)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var tokenServiceKeyCmd = &cobra.Command{
	Use:   "service-key",
	Short: "Issue an operator key for the stats, presence and notify endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.NewService(jwtSecret(cmd)).GenerateServiceKey()
		if err != nil {
			return fmt.Errorf("failed to generate service key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "RELAY_SERVICE_KEY=%s\n", key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenServiceKeyCmd)

	tokenCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret (default from RELAY_JWT_SECRET)")
	tokenIssueCmd.Flags().Duration("ttl", auth.AccessTokenExpiry, "Token lifetime")
}
