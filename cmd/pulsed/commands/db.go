package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsed/am"
	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/logger"
	"github.com/teranos/pulsed/sym"
)

// DbCmd groups database maintenance commands for the sql backend
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the pulsed database",
	Long: sym.DB + ` db - Manage the sql repository backend

Examples:
  pulsed db migrate   # Apply pending migrations
  pulsed db status    # List applied migrations`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List applied migrations",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	conn, dialect, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, logger.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(conn, dialect, logger.Logger); err != nil {
		return errors.Wrap(err, "migration failed")
	}
	pterm.Success.Printf("%s is up to date\n", cfg.Database.Driver)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	conn, _, err := db.Open(cfg.Database.Driver, cfg.Database.DSN, logger.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	versions, err := db.AppliedVersions(conn)
	if err != nil {
		return errors.WithHint(err, "run `pulsed db migrate` first")
	}
	rows := pterm.TableData{{"Applied migration"}}
	for _, v := range versions {
		rows = append(rows, []string{v})
	}
	pterm.Info.Printf("%s: %d migrations applied\n", cfg.Database.Driver, len(versions))
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
