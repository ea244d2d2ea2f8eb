package newrelic

import (
	"context"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// ContextWithTxn starts a transaction named name on app and returns a context
// carrying it. A nil app gives an empty transaction which records nothing.
func ContextWithTxn(parent context.Context, name string, app *newrelic.Application) (context.Context, *newrelic.Transaction) {
	var txn *newrelic.Transaction
	if app == nil {
		txn = &newrelic.Transaction{}
	} else {
		txn = app.StartTransaction(name)
	}

	return newrelic.NewContext(parent, txn), txn
}

// WithTxn runs fn inside a transaction named name. An error returned by fn is
// noticed on the transaction and returned unchanged.
func WithTxn(parent context.Context, app *newrelic.Application, name string, fn func(ctx context.Context) error) error {
	ctx, txn := ContextWithTxn(parent, name, app)
	defer txn.End()

	if err := fn(ctx); err != nil {
		txn.NoticeError(err)
		return err
	}

	return nil
}
