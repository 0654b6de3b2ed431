package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbd888/stepup/migrations"
)

func migrateCmd(env *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <command> [args]",
		Short: "Run schema migrations",
		Long: `Run a goose command against the embedded schema migrations.

Commands: up, down, status, version, redo, up-to <version>, down-to <version>

Examples:
  stepupctl migrate up
  stepupctl migrate down-to 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(env)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return migrations.Run(cmd.Context(), db, args[0], args[1:]...)
		},
	}
}
