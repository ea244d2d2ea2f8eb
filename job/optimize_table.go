package job

import (
	"context"
	"database/sql"
	"net/http"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/log"
)

// mailTables are optimized in order, children first.
var mailTables = []string{"mail_logs", "mail_recipients", "mail_messages", "mail_locks"}

type Optimizer interface {
	Execute(ctx context.Context) error
	EnableSideCarProxyQuit(proxyUrl string)
}

// RunOptimize reclaims the space left by cleaned up mail and returns the
// process exit code.
func RunOptimize(ctx context.Context, db *sql.DB, cfg *config.Config) int {
	j := newOptimizeTableWithDefaultClient(db, mailTables, cfg.DBDriver)
	if j == nil {
		log.Logger.WithField("config", cfg).Fatalf("unable to determine the database driver")
		return 1
	}

	if cfg.SidecarProxyUrl != "" {
		j.EnableSideCarProxyQuit(cfg.SidecarProxyUrl)
	}

	err := j.Execute(ctx)
	if err != nil {
		return 1
	}

	return 0
}

func newOptimizeTableWithDefaultClient(db *sql.DB, tableNames []string, dr config.DbDriver) Optimizer {
	return newOptimizeTable(db, tableNames, dr, http.DefaultClient)
}

func newOptimizeTable(db *sql.DB, tableNames []string, dr config.DbDriver, cl httpPoster) Optimizer {
	sc := SidecarQuitter{Client: cl}
	switch true {
	case dr.MySQL():
		return &mysqlOptimizeTable{
			Db:             db,
			TableNames:     tableNames,
			SidecarQuitter: sc,
		}
	case dr.Postgres():
		return &postgresOptimizeTable{
			Db:             db,
			TableNames:     tableNames,
			SidecarQuitter: sc,
		}
	}
	return nil
}
