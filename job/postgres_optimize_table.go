package job

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/mail-outbox-relay/log"
)

type postgresOptimizeTable struct {
	Db         *sql.DB
	TableNames []string
	SidecarQuitter
}

func (o *postgresOptimizeTable) Execute(ctx context.Context) error {
	var err error
	for _, table := range o.TableNames {
		if err = o.vacuum(ctx, table); err != nil {
			break
		}
	}

	if o.QuitSidecar {
		if qErr := o.Quit(); qErr != nil {
			return qErr
		}
	}

	return err
}

func (o *postgresOptimizeTable) vacuum(ctx context.Context, table string) error {
	defer (&newrelic.DatastoreSegment{
		Product:    newrelic.DatastorePostgres,
		Collection: table,
		Operation:  "VACUUM",
		StartTime:  newrelic.FromContext(ctx).StartSegmentNow(),
	}).End()

	_, err := o.Db.ExecContext(ctx, fmt.Sprintf("VACUUM %s;", table))

	logger := log.Logger.WithField("table", table)
	if err == nil {
		logger.Info("optimized Postgres mail table successfully")
	} else {
		logger.WithError(err).Error("an error occurred optimizing the Postgres mail table")
	}

	return err
}
