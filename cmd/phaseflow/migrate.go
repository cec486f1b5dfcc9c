package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BaSui01/phaseflow/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

type migrateOptions struct {
	dbType string
	dbURL  string
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:   "migrate [" + strings.Join(migration.Commands, "|") + "] [N]",
		Short: "Manage the session archive schema",
		Long: `Apply or roll back the workflow_sessions schema.

The database comes from the config file (database section, or store.driver
when database.driver is empty) unless --db-type and --db-url are given.
Without a subcommand the migration status is printed.`,
		Example: `  phaseflow migrate up
  phaseflow migrate steps -1
  phaseflow migrate force 1
  phaseflow migrate --db-type sqlite --db-url "file:phaseflow.db?_pragma=foreign_keys(1)" status`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMigrator(flags, opts)
			if err != nil {
				return err
			}
			defer m.Close()

			cli := migration.NewCLI(m)
			cli.SetOutput(cmd.OutOrStdout())

			command := ""
			if len(args) > 0 {
				command = args[0]
			}
			var rest []string
			if len(args) > 1 {
				rest = args[1:]
			}
			return cli.Run(cmd.Context(), command, rest)
		},
	}
	cmd.Flags().StringVar(&opts.dbType, "db-type", "", "Database type: postgres, mysql, sqlite")
	cmd.Flags().StringVar(&opts.dbURL, "db-url", "", "Database URL (requires --db-type)")
	// 标志须写在子命令之前，"steps -1" 中的负数才不会被当作标志
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func openMigrator(flags *globalFlags, opts *migrateOptions) (*migration.DefaultMigrator, error) {
	if opts.dbURL != "" {
		if opts.dbType == "" {
			return nil, fmt.Errorf("--db-url requires --db-type")
		}
		return migration.NewMigratorFromURL(opts.dbType, opts.dbURL)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if opts.dbType != "" {
		cfg.Database.Driver = opts.dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}
