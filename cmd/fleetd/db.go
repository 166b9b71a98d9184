// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ptctl/fleet/internal/config"
	"github.com/ptctl/fleet/internal/database"
)

func dbCommand(configPath *string) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance commands",
	}

	dbCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(*configPath)
			if err != nil {
				return err
			}
			db, err := database.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer db.Close()
			fmt.Println("migrations applied")
			return nil
		},
	})

	return dbCmd
}
