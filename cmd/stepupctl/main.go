// Command stepupctl is the operator CLI for the step-up verification
// service.
//
// Usage:
//
//	stepupctl migrate up                 # Apply all pending migrations
//	stepupctl migrate status             # Show migration status
//	stepupctl sweep                      # Expire overdue challenges once
//	stepupctl session-token --user u_42  # Mint a shopper session for testing
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	env := viper.New()
	env.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "stepupctl",
		Short:         "Operator tooling for the step-up verification service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string (default $DATABASE_URL)")
	_ = env.BindPFlag("DATABASE_URL", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.AddCommand(migrateCmd(env))
	rootCmd.AddCommand(sweepCmd(env))
	rootCmd.AddCommand(sessionTokenCmd(env))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB connects to the database named by --database-url or DATABASE_URL.
func openDB(env *viper.Viper) (*sql.DB, error) {
	dsn := env.GetString("DATABASE_URL")
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
