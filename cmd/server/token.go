package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <userID> <username>",
		Short: "Mint a development token signed with auth.jwtSecret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwtSecret must be set (ROOMCHAT_AUTH_JWTSECRET)")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.Auth.TokenTTL
			}
			token, err := auth.Issue(a.cfg.Auth.JWTSecret, auth.Identity{UserID: args[0], DisplayName: args[1]}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Minute, "token lifetime")
	return cmd
}
