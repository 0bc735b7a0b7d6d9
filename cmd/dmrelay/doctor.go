package main

import (
	"context"
	"fmt"
	"os"

	"dmrelay/internal/config"
	"dmrelay/internal/domain"
	"dmrelay/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your dmrelay installation",
		Long: `Verifies that dmrelay's configuration, database, and operator-set state
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("dmrelay doctor v%s\n\n", version)

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'dmrelay init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, 1)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Operator token present
			if cfg.Operator.Token == "" {
				printFail("Operator token", "operator.token is empty (set OPERATOR_BOT_TOKEN?)")
				failed++
			} else {
				printPass("Operator token", "present")
				passed++
			}

			// 4. Database opens and migrates
			db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
			if err != nil {
				printFail("Database", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed, %d warnings\n", passed, failed, warned)
				return nil
			}
			defer db.Close()
			printPass("Database", cfg.Database.Path)
			passed++

			// 5. Operator-set state
			ctx := context.Background()
			if db.GetConfig(ctx, domain.ConfigStagingChat, "") == "" {
				printWarn("Staging group", "not set — run /set_group inside the group")
				warned++
			} else {
				printPass("Staging group", "configured")
				passed++
			}
			if db.GetConfig(ctx, domain.ConfigDeliveryToken, "") == "" && cfg.Delivery.Token == "" {
				printWarn("Delivery credential", "not set — run /generate_session on the operator bot")
				warned++
			} else {
				printPass("Delivery credential", "configured")
				passed++
			}

			// 6. Queue health
			counts, err := db.CountByStatus(ctx)
			if err != nil {
				printFail("Queue", err.Error())
				failed++
			} else if n := counts[domain.StatusError]; n > 0 {
				printWarn("Queue", fmt.Sprintf("%d jobs in ERROR", n))
				warned++
			} else {
				printPass("Queue", "healthy")
				passed++
			}

			fmt.Printf("\n%d passed, %d failed, %d warnings\n", passed, failed, warned)
			return nil
		},
	}
}

func printPass(check, detail string) {
	fmt.Printf("  ok    %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  FAIL  %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  warn  %-20s %s\n", check, detail)
}
