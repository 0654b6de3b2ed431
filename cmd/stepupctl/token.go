package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbd888/stepup/internal/auth"
)

func sessionTokenCmd(env *viper.Viper) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "session-token",
		Short: "Mint a shopper session token signed with SESSION_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := env.GetString("SESSION_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("SESSION_JWT_SECRET is required")
			}
			tok, err := auth.NewSessions(secret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id to put in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
