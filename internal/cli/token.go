package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spec-kit/ticket-engine/internal/auth"
	"github.com/spec-kit/ticket-engine/internal/config"
	"github.com/spec-kit/ticket-engine/internal/domain"
)

// newTokenCommand issues bearer tokens signed with AUTH_JWT_SECRET, for
// local use when no identity provider is wired in.
func newTokenCommand() *cobra.Command {
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an actor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
			token, expires, err := tokens.GenerateToken(domain.Actor{
				ID:   subject,
				Role: domain.ActorRole(strings.ToUpper(role)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleAdmin), "actor role (ADMIN, AGENT, CLIENT)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
