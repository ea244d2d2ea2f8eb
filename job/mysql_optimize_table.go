package job

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"

	"inviqa/mail-outbox-relay/log"
)

type mysqlOptimizeTable struct {
	Db         *sql.DB
	TableNames []string
	SidecarQuitter
}

func (o *mysqlOptimizeTable) Execute(ctx context.Context) error {
	var err error
	for _, table := range o.TableNames {
		if err = o.optimize(ctx, table); err != nil {
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

func (o *mysqlOptimizeTable) optimize(ctx context.Context, table string) error {
	defer o.newRelicSegment(ctx, table, "OPTIMIZE TABLE").End()

	_, err := o.Db.ExecContext(ctx, fmt.Sprintf("OPTIMIZE TABLE %s;", table))

	logger := log.Logger.WithField("table", table)
	if err == nil {
		logger.Info("optimized MySQL mail table successfully")
	} else {
		logger.WithError(err).Error("an error occurred optimizing the MySQL mail table")
	}

	return err
}

func (o *mysqlOptimizeTable) newRelicSegment(ctx context.Context, table, operation string) *newrelic.DatastoreSegment {
	return &newrelic.DatastoreSegment{
		Product:    newrelic.DatastoreMySQL,
		Collection: table,
		Operation:  operation,
		StartTime:  newrelic.FromContext(ctx).StartSegmentNow(),
	}
}
