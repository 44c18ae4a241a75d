package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JJSiabato/silent-alarm/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var secret, user, email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token signed with the server's JWT secret (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			tok, err := auth.NewJWTService(secret).GenerateToken(user, email)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", ""), "JWT secret (defaults to $JWT_SECRET)")
	cmd.Flags().StringVar(&user, "user", "", "User id to put in the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
