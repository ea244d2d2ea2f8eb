package mail

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/log"
	s "inviqa/mail-outbox-relay/mail/data/sql"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	messagesTable   = "mail_messages"
	recipientsTable = "mail_recipients"
	logsTable       = "mail_logs"
)

var columns = []string{"id", "from_email", "subject", "message", "html_message", "headers", "context", "render_on_delivery", "status", "priority", "scheduled_time", "expires_at", "number_of_retries", "backend_alias", "message_id", "created_at", "last_updated"}

type queryProvider interface {
	QueuedMessagesSql(orderBy string, batchSize int) string
	HasQueuedSql() string
	RecipientsSql(idCount int) string
	StatusUpdateSql(idCount int) string
	RequeueUpdateSql(idCount int) string
	MarkDispatchedSql() string
	InsertLogsSql(rowCount int) string
	InsertMessageSql() string
	InsertRecipientsSql(rowCount int) string
	DeleteFinishedMessagesSql() string
	GetQueueSizeSql() string
	GetTotalSizeSql() string
	ReturningInsertId() bool
}

// Commit holds the ids whose delivery outcome is persisted together.
type Commit struct {
	Sent     []uint
	Requeued []uint
	Failed   []uint
	RetryAt  time.Time
	Now      time.Time
}

func (c Commit) Empty() bool {
	return len(c.Sent) == 0 && len(c.Requeued) == 0 && len(c.Failed) == 0
}

// CommitResult counts the rows actually transitioned. Rows whose status was
// changed by someone else since they were read are not counted.
type CommitResult struct {
	Sent     int64
	Requeued int64
	Failed   int64
}

type Repository struct {
	db            *sql.DB
	cfg           *config.Config
	queryProvider queryProvider
	order         SendingOrder
}

func NewRepository(db *sql.DB, cfg *config.Config) (Repository, error) {
	return NewRepositoryWithQueryProvider(db, cfg, newQueryProvider(cfg.DBDriver, columns))
}

func NewRepositoryWithQueryProvider(db *sql.DB, cfg *config.Config, qp queryProvider) (Repository, error) {
	order, err := ParseSendingOrder(cfg.SendingOrder)
	if err != nil {
		return Repository{}, err
	}

	return Repository{
		db:            db,
		cfg:           cfg,
		queryProvider: qp,
		order:         order,
	}, nil
}

// QueuedMessages returns at most BatchSize messages which are eligible for
// delivery at now, in sending order. Recipients are loaded for the whole
// batch with a single query.
func (r Repository) QueuedMessages(ctx context.Context, now time.Time) ([]*Message, error) {
	q := r.queryProvider.QueuedMessagesSql(r.order.SQL(r.cfg.DBDriver.Postgres()), r.cfg.BatchSize)

	rows, err := r.db.QueryContext(ctx, q, StatusQueued, StatusRequeued, now, now)
	if err != nil {
		return nil, errors.Errorf("mail: error querying queued messages in repository: %s", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Errorf("mail: error scanning message result into memory in repository: %s", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("mail: error iterating queued messages in repository: %s", err)
	}

	if len(msgs) == 0 {
		return msgs, nil
	}

	if err := r.loadRecipients(ctx, msgs); err != nil {
		return nil, err
	}

	return msgs, nil
}

func (r Repository) HasQueued(ctx context.Context, now time.Time) (bool, error) {
	var id uint
	err := r.db.QueryRowContext(ctx, r.queryProvider.HasQueuedSql(), StatusQueued, StatusRequeued, now, now).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Errorf("mail: error checking for queued messages in repository: %s", err)
	}

	return true, nil
}

// CommitResults applies all status transitions of a batch in one transaction.
// Every update is conditional on the row still being queued or requeued.
func (r Repository) CommitResults(ctx context.Context, c Commit) (CommitResult, error) {
	var res CommitResult
	if c.Empty() {
		return res, nil
	}

	log.Logger.WithFields(logrus.Fields{
		"sent":     len(c.Sent),
		"requeued": len(c.Requeued),
		"failed":   len(c.Failed),
	}).Debug("starting batch commit")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, errors.Errorf("mail: error starting a DB transaction to commit the batch: %s", err)
	}

	res.Sent, err = r.updateStatus(ctx, tx, StatusSent, c.Now, c.Sent)
	if err == nil {
		res.Requeued, err = r.requeue(ctx, tx, c.RetryAt, c.Now, c.Requeued)
	}
	if err == nil {
		res.Failed, err = r.updateStatus(ctx, tx, StatusFailed, c.Now, c.Failed)
	}

	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Logger.WithError(rbErr).Error("error rolling back the DB transaction")
		}
		return CommitResult{}, errors.Wrap(err, "mail: error committing batch results")
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, errors.Errorf("mail: error committing transaction for batch: %s", err)
	}

	return res, nil
}

// InsertLogs writes all entries with one statement.
func (r Repository) InsertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(entries)*5)
	for _, e := range entries {
		args = append(args, e.MessageId, e.Date, e.Status, e.ExceptionType, e.Text)
	}

	if _, err := r.db.ExecContext(ctx, r.queryProvider.InsertLogsSql(len(entries)), args...); err != nil {
		return errors.Errorf("mail: error inserting %d log entries: %s", len(entries), err)
	}

	return nil
}

// Enqueue inserts the message and its recipients in one transaction and sets
// the generated id on m.
func (r Repository) Enqueue(ctx context.Context, m *Message) error {
	return r.EnqueueMany(ctx, []*Message{m})
}

// EnqueueMany inserts the messages in one transaction, followed by a single
// insert for the recipients of all of them. Ids are only set on success.
func (r Repository) EnqueueMany(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	args := make([][]interface{}, len(msgs))
	for i, m := range msgs {
		headers, err := marshalMap(m.Headers)
		if err != nil {
			return errors.Wrap(err, "mail: unable to encode message headers")
		}
		mctx, err := marshalMap(m.Context)
		if err != nil {
			return errors.Wrap(err, "mail: unable to encode message context")
		}

		var status interface{}
		if m.Status != nil {
			status = *m.Status
		}

		args[i] = []interface{}{m.From, m.Subject, m.Body, m.HtmlBody, headers, mctx, m.RenderOnDelivery, status, m.Priority, m.ScheduledTime, m.ExpiresAt, m.NumberOfRetries, m.BackendAlias, m.MessageId, m.CreatedAt, m.LastUpdated}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Errorf("mail: error starting a DB transaction to enqueue messages: %s", err)
	}

	ids := make([]uint, len(msgs))
	var rargs []interface{}
	for i, m := range msgs {
		if ids[i], err = r.insertMessage(ctx, tx, args[i]); err != nil {
			break
		}
		for _, rcpt := range m.Recipients {
			rargs = append(rargs, ids[i], string(rcpt.Kind), rcpt.Address)
		}
	}
	if err == nil && len(rargs) > 0 {
		_, err = tx.ExecContext(ctx, r.queryProvider.InsertRecipientsSql(len(rargs)/3), rargs...)
	}

	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Logger.WithError(rbErr).Error("error rolling back the DB transaction")
		}
		return errors.Errorf("mail: error enqueuing messages: %s", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.Errorf("mail: error committing enqueued messages: %s", err)
	}

	for i, m := range msgs {
		m.Id = ids[i]
	}

	return nil
}

// MarkDispatched records the outcome of an immediate send. It only touches a
// message which has no status yet, and reports whether it did.
func (r Repository) MarkDispatched(ctx context.Context, id uint, status Status, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.queryProvider.MarkDispatchedSql(), status, now, id)
	if err != nil {
		return false, errors.Errorf("mail: error marking message %d as %s: %s", id, status, err)
	}

	count, _ := res.RowsAffected()

	return count == 1, nil
}

// DeleteFinished removes sent and failed messages created before olderThan.
// Recipients and logs are removed by the foreign key cascade.
func (r Repository) DeleteFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	q := r.queryProvider.DeleteFinishedMessagesSql()
	res, err := r.db.ExecContext(ctx, q, StatusSent, StatusFailed, olderThan)

	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r Repository) GetQueueSize() (uint, error) {
	q := r.queryProvider.GetQueueSizeSql()
	res := r.db.QueryRow(q, StatusQueued, StatusRequeued)

	var count uint
	err := res.Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (r Repository) GetTotalSize() (uint, error) {
	q := r.queryProvider.GetTotalSizeSql()
	res := r.db.QueryRow(q)

	var count uint
	err := res.Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (r Repository) insertMessage(ctx context.Context, tx *sql.Tx, args []interface{}) (uint, error) {
	q := r.queryProvider.InsertMessageSql()

	if r.queryProvider.ReturningInsertId() {
		var id uint
		err := tx.QueryRowContext(ctx, q, args...).Scan(&id)
		return id, err
	}

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()

	return uint(id), err
}

func (r Repository) loadRecipients(ctx context.Context, msgs []*Message) error {
	ids := make([]interface{}, len(msgs))
	byId := make(map[uint]*Message, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.Id
		byId[msg.Id] = msg
	}

	rows, err := r.db.QueryContext(ctx, r.queryProvider.RecipientsSql(len(ids)), ids...)
	if err != nil {
		return errors.Errorf("mail: error fetching recipients in repository: %s", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uint
		var rcpt Recipient
		var kind string
		if err := rows.Scan(&id, &kind, &rcpt.Address); err != nil {
			return errors.Errorf("mail: error scanning recipient result into memory in repository: %s", err)
		}
		rcpt.Kind = RecipientKind(kind)

		if msg, ok := byId[id]; ok {
			msg.Recipients = append(msg.Recipients, rcpt)
		}
	}

	return rows.Err()
}

func (r Repository) updateStatus(ctx context.Context, tx *sql.Tx, status Status, now time.Time, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	q := r.queryProvider.StatusUpdateSql(len(ids))
	args := append([]interface{}{status, now, StatusQueued, StatusRequeued}, idArgs(ids)...)

	log.Logger.WithFields(logrus.Fields{"query": q, "ids": ids, "status": status}).Debug("updating message status")

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r Repository) requeue(ctx context.Context, tx *sql.Tx, retryAt, now time.Time, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	q := r.queryProvider.RequeueUpdateSql(len(ids))
	args := append([]interface{}{StatusRequeued, retryAt, now, StatusQueued, StatusRequeued}, idArgs(ids)...)

	log.Logger.WithFields(logrus.Fields{"query": q, "ids": ids, "retry_at": retryAt}).Debug("requeueing messages")

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*Message, error) {
	msg := &Message{}
	var headers, mctx sql.NullString
	var status sql.NullInt16
	var priority int16

	err := row.Scan(&msg.Id, &msg.From, &msg.Subject, &msg.Body, &msg.HtmlBody, &headers, &mctx, &msg.RenderOnDelivery, &status, &priority, &msg.ScheduledTime, &msg.ExpiresAt, &msg.NumberOfRetries, &msg.BackendAlias, &msg.MessageId, &msg.CreatedAt, &msg.LastUpdated)
	if err != nil {
		return nil, err
	}

	msg.Priority = Priority(priority)
	if status.Valid {
		msg.Status = StatusOf(Status(status.Int16))
	}
	if msg.Headers, err = unmarshalMap(headers); err != nil {
		return nil, err
	}
	if msg.Context, err = unmarshalMap(mctx); err != nil {
		return nil, err
	}

	return msg, nil
}

func marshalMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}

	m := map[string]string{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}

	return m, nil
}

func idArgs(ids []uint) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return args
}

func newQueryProvider(d config.DbDriver, columns []string) queryProvider {
	switch true {
	case d.Postgres():
		return &s.PostgresQueryProvider{
			Table:           messagesTable,
			RecipientsTable: recipientsTable,
			LogsTable:       logsTable,
			Columns:         columns,
		}
	case d.MySQL():
		return &s.MysqlQueryProvider{
			Table:           messagesTable,
			RecipientsTable: recipientsTable,
			LogsTable:       logsTable,
			Columns:         columns,
		}
	}

	return nil
}
