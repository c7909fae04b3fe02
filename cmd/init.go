package cmd

import (
	"fmt"
	"log"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/xander1211-1/ocbot/ocbot"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var (
	customPasswordReader passwordReader
	resetAdminToken      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set the admin API token",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable OC_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable OC_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := ocbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		tokenSet, err := ocbot.AdminTokenSet(ctx, db)
		if err != nil {
			log.Fatalf("Error checking admin token: %v", err)
		}

		out := cmd.OutOrStdout()
		if tokenSet && !resetAdminToken {
			fmt.Fprintln(out, "Admin token is already set (use --reset-token to replace it).")
		} else {
			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}

			var token string
			for {
				fmt.Fprint(out, "Enter admin API token (leave empty to generate one): ")
				tokenBytes, _ := customPasswordReader()
				token = string(tokenBytes)
				fmt.Fprintln(out)
				if token == "" {
					break
				}

				fmt.Fprint(out, "Confirm admin API token: ")
				confirmBytes, _ := customPasswordReader()
				fmt.Fprintln(out)

				if token == string(confirmBytes) {
					break
				}
				fmt.Fprintln(out, "Tokens do not match. Please try again.")
			}

			if token == "" {
				token, err = ocbot.GenerateAdminToken()
				if err != nil {
					log.Fatalf("Error generating token: %v", err)
				}
				fmt.Fprintf(out, "Generated admin API token: %s\n", token)
			}

			if err = ocbot.SetAdminToken(ctx, ocbot.NewDatabase(db, nil, false), token); err != nil {
				log.Fatalf("Error saving admin token: %v", err)
			}
			fmt.Fprintln(out, "Admin token set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(
		&resetAdminToken,
		"reset-token",
		false,
		"Replace the existing admin API token",
	)
}
