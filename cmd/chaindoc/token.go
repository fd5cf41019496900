package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/chaindoc/internal/api"
)

var (
	tokenIssuer string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Bearer token commands",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a bearer token for an issuer",
	Long: `Sign an HS256 bearer token with the configured jwt_secret.

Examples:
  chaindoc -c config.yaml token issue --issuer university-1 --ttl 720h`,
	RunE: runTokenIssue,
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer ID carried in the token subject")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	tokenIssueCmd.MarkFlagRequired("issuer")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is not configured")
	}
	if tokenTTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}

	token, err := api.NewToken(cfg.API.JWTSecret, tokenIssuer, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}
