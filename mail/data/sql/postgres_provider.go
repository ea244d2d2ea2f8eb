package sql

import (
	"fmt"
	"strings"
)

type PostgresQueryProvider struct {
	Table           string
	RecipientsTable string
	LogsTable       string
	Columns         []string
}

func (m PostgresQueryProvider) QueuedMessagesSql(orderBy string, batchSize int) string {
	q := `SELECT %s FROM %s WHERE status IN ($1, $2) AND (scheduled_time IS NULL OR scheduled_time <= $3) AND (expires_at IS NULL OR expires_at > $4) ORDER BY %s LIMIT %d`

	return fmt.Sprintf(q, strings.Join(m.Columns, ", "), m.Table, orderBy, batchSize)
}

func (m PostgresQueryProvider) HasQueuedSql() string {
	q := `SELECT id FROM %s WHERE status IN ($1, $2) AND (scheduled_time IS NULL OR scheduled_time <= $3) AND (expires_at IS NULL OR expires_at > $4) LIMIT 1`

	return fmt.Sprintf(q, m.Table)
}

func (m PostgresQueryProvider) RecipientsSql(idCount int) string {
	q := `SELECT message_id, kind, address FROM %s WHERE message_id IN (%s) ORDER BY id ASC`

	return fmt.Sprintf(q, m.RecipientsTable, numbered(1, idCount))
}

func (m PostgresQueryProvider) StatusUpdateSql(idCount int) string {
	q := `UPDATE %s SET status = $1, last_updated = $2 WHERE status IN ($3, $4) AND id IN (%s)`

	return fmt.Sprintf(q, m.Table, numbered(5, idCount))
}

func (m PostgresQueryProvider) RequeueUpdateSql(idCount int) string {
	q := `UPDATE %s SET status = $1, scheduled_time = $2, number_of_retries = COALESCE(number_of_retries, 0) + 1, last_updated = $3 WHERE status IN ($4, $5) AND id IN (%s)`

	return fmt.Sprintf(q, m.Table, numbered(6, idCount))
}

func (m PostgresQueryProvider) MarkDispatchedSql() string {
	return fmt.Sprintf(`UPDATE %s SET status = $1, last_updated = $2 WHERE id = $3 AND status IS NULL`, m.Table)
}

func (m PostgresQueryProvider) InsertLogsSql(rowCount int) string {
	return fmt.Sprintf(`INSERT INTO %s (message_id, logged_at, status, exception_type, message) VALUES %s`, m.LogsTable, numberedRows(rowCount, 5))
}

func (m PostgresQueryProvider) InsertMessageSql() string {
	cols := m.Columns[1:]

	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`, m.Table, strings.Join(cols, ", "), numbered(1, len(cols)))
}

func (m PostgresQueryProvider) InsertRecipientsSql(rowCount int) string {
	return fmt.Sprintf(`INSERT INTO %s (message_id, kind, address) VALUES %s`, m.RecipientsTable, numberedRows(rowCount, 3))
}

func (m PostgresQueryProvider) DeleteFinishedMessagesSql() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE status IN ($1, $2) AND created_at < $3`, m.Table)
}

func (m PostgresQueryProvider) GetQueueSizeSql() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE status IN ($1, $2)`, m.Table)
}

func (m PostgresQueryProvider) GetTotalSizeSql() string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s`, m.Table)
}

// ReturningInsertId is true as the pgx driver does not support LastInsertId.
func (m PostgresQueryProvider) ReturningInsertId() bool {
	return true
}

// numbered returns count comma separated placeholders starting at $start.
func numbered(start, count int) string {
	var p []string
	for i := start; i < start+count; i++ {
		p = append(p, fmt.Sprintf("$%d", i))
	}

	return strings.Join(p, ", ")
}

func numberedRows(rowCount, width int) string {
	var rows []string
	for r := 0; r < rowCount; r++ {
		rows = append(rows, "("+numbered(r*width+1, width)+")")
	}

	return strings.Join(rows, ", ")
}
