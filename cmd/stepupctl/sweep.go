package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbd888/stepup/internal/config"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/verification"
)

func sweepCmd(env *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every overdue pending challenge once",
		Long: `Flip pending challenges whose expiry has passed to expired.

The server sweeps on SWEEP_INTERVAL; this is for maintenance windows
when no server is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(env)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			logger := logging.New(env.GetString("LOG_LEVEL"), env.GetString("LOG_FORMAT"))
			tokens := verification.NewTokenStore(verification.NewPostgresStore(db), config.DefaultChallengeTTL).
				WithLogger(logger)

			n, err := verification.NewSweeper(tokens, config.DefaultSweepInterval, logger).SweepOnce(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep failed after %d challenges: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d challenges\n", n)
			return nil
		},
	}
}
