package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tatkal-scheduler/internal/auth"
	"github.com/example/tatkal-scheduler/internal/clock"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a local user (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hashKey, blockKey, err := cfg.CookieKeys()
			if err != nil {
				return err
			}

			ctx := context.Background()
			b, err := openBackend(ctx, cfg, clock.Real{}, true)
			if err != nil {
				return err
			}
			defer b.Close()

			store := auth.NewStore(b, hashKey, blockKey, cfg.JWTTTL)
			u, err := store.CreateUser(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %q id=%s\n", u.Username, u.ID)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
