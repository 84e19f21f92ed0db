package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/roomchat/internal/store"
)

func newMembersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "members",
		Short: "Manage room memberships",
	}

	var role string
	add := &cobra.Command{
		Use:   "add <roomID> <userID>",
		Short: "Add a user to a room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(db *store.SQLite) error {
				if err := db.AddMember(cmd.Context(), args[0], args[1], role); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", args[1], args[0])
				return err
			})
		},
	}
	add.Flags().StringVar(&role, "role", "member", "membership role")

	remove := &cobra.Command{
		Use:   "remove <roomID> <userID>",
		Short: "Deactivate a user's membership",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(db *store.SQLite) error {
				err := db.RemoveMember(cmd.Context(), args[0], args[1])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s is not an active member of %s", args[1], args[0])
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", args[1], args[0])
				return err
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <roomID>",
		Short: "List active members of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(db *store.SQLite) error {
				members, err := db.ListActiveMembers(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, m := range members {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), m); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func (a *app) withStore(ctx context.Context, fn func(db *store.SQLite) error) error {
	db, err := store.OpenSQLite(ctx, a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}
