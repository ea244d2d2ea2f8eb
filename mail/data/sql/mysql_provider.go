package sql

import (
	"fmt"
	"strings"
)

type MysqlQueryProvider struct {
	Table           string
	RecipientsTable string
	LogsTable       string
	Columns         []string
}

func (m MysqlQueryProvider) QueuedMessagesSql(orderBy string, batchSize int) string {
	q := "SELECT %s FROM `%s` WHERE `status` IN (?, ?) AND (`scheduled_time` IS NULL OR `scheduled_time` <= ?) AND (`expires_at` IS NULL OR `expires_at` > ?) ORDER BY %s LIMIT %d"

	return fmt.Sprintf(q, strings.Join(m.escapeColumns(), ", "), m.Table, orderBy, batchSize)
}

func (m MysqlQueryProvider) HasQueuedSql() string {
	q := "SELECT `id` FROM `%s` WHERE `status` IN (?, ?) AND (`scheduled_time` IS NULL OR `scheduled_time` <= ?) AND (`expires_at` IS NULL OR `expires_at` > ?) LIMIT 1"

	return fmt.Sprintf(q, m.Table)
}

func (m MysqlQueryProvider) RecipientsSql(idCount int) string {
	q := "SELECT `message_id`, `kind`, `address` FROM `%s` WHERE `message_id` IN (%s) ORDER BY `id` ASC"

	return fmt.Sprintf(q, m.RecipientsTable, placeholders(idCount))
}

func (m MysqlQueryProvider) StatusUpdateSql(idCount int) string {
	q := "UPDATE `%s` SET `status` = ?, `last_updated` = ? WHERE `status` IN (?, ?) AND `id` IN (%s)"

	return fmt.Sprintf(q, m.Table, placeholders(idCount))
}

func (m MysqlQueryProvider) RequeueUpdateSql(idCount int) string {
	q := "UPDATE `%s` SET `status` = ?, `scheduled_time` = ?, `number_of_retries` = COALESCE(`number_of_retries`, 0) + 1, `last_updated` = ? WHERE `status` IN (?, ?) AND `id` IN (%s)"

	return fmt.Sprintf(q, m.Table, placeholders(idCount))
}

func (m MysqlQueryProvider) MarkDispatchedSql() string {
	return fmt.Sprintf("UPDATE `%s` SET `status` = ?, `last_updated` = ? WHERE `id` = ? AND `status` IS NULL", m.Table)
}

func (m MysqlQueryProvider) InsertLogsSql(rowCount int) string {
	rows := strings.TrimSuffix(strings.Repeat("(?, ?, ?, ?, ?), ", rowCount), ", ")

	return fmt.Sprintf("INSERT INTO `%s` (`message_id`, `logged_at`, `status`, `exception_type`, `message`) VALUES %s", m.LogsTable, rows)
}

func (m MysqlQueryProvider) InsertMessageSql() string {
	cols := m.escapeColumns()[1:]

	return fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)", m.Table, strings.Join(cols, ", "), placeholders(len(cols)))
}

func (m MysqlQueryProvider) InsertRecipientsSql(rowCount int) string {
	rows := strings.TrimSuffix(strings.Repeat("(?, ?, ?), ", rowCount), ", ")

	return fmt.Sprintf("INSERT INTO `%s` (`message_id`, `kind`, `address`) VALUES %s", m.RecipientsTable, rows)
}

func (m MysqlQueryProvider) DeleteFinishedMessagesSql() string {
	return fmt.Sprintf("DELETE FROM `%s` WHERE `status` IN (?, ?) AND `created_at` < ?", m.Table)
}

func (m MysqlQueryProvider) GetQueueSizeSql() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM `%s` WHERE `status` IN (?, ?)", m.Table)
}

func (m MysqlQueryProvider) GetTotalSizeSql() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM `%s`", m.Table)
}

// ReturningInsertId is false as MySQL reports the id through LastInsertId.
func (m MysqlQueryProvider) ReturningInsertId() bool {
	return false
}

func (m MysqlQueryProvider) escapeColumns() []string {
	var escaped []string
	for _, c := range m.Columns {
		escaped = append(escaped, "`"+c+"`")
	}

	return escaped
}

func placeholders(count int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
}
