package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/convohub/internal/database"
	"github.com/convohub/internal/history"
	"github.com/convohub/internal/jobqueue"
	"github.com/convohub/internal/logging"
)

// MigrateCommand applies the history schema and, when the queue is
// enabled, River's migrations.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty); err != nil {
				return err
			}
			ctx := c.Context

			db, err := database.NewDB(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.ApplySchema(ctx, db, history.Schema); err != nil {
				return err
			}

			if cfg.Queue.Enabled {
				pool, err := database.OpenPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := jobqueue.Migrate(ctx, pool); err != nil {
					return err
				}
			}

			fmt.Println("Migrations applied")
			return nil
		},
	}
}
