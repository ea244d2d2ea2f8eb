package lock

import (
	"fmt"

	"inviqa/mail-outbox-relay/config"
)

const locksTable = "mail_locks"

type mysqlQueryProvider struct {
	Table string
}

func (m mysqlQueryProvider) DeleteExpiredSql() string {
	return fmt.Sprintf("DELETE FROM `%s` WHERE `lock_id` = ? AND `expires_at` <= ?", m.Table)
}

func (m mysqlQueryProvider) InsertSql() string {
	return fmt.Sprintf("INSERT INTO `%s` (`lock_id`, `locked_by`, `created_at`, `expires_at`) VALUES (?, ?, ?, ?)", m.Table)
}

func (m mysqlQueryProvider) ReleaseSql() string {
	return fmt.Sprintf("DELETE FROM `%s` WHERE `lock_id` = ? AND `locked_by` = ?", m.Table)
}

type postgresQueryProvider struct {
	Table string
}

func (p postgresQueryProvider) DeleteExpiredSql() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE lock_id = $1 AND expires_at <= $2`, p.Table)
}

func (p postgresQueryProvider) InsertSql() string {
	return fmt.Sprintf(`INSERT INTO %s (lock_id, locked_by, created_at, expires_at) VALUES ($1, $2, $3, $4)`, p.Table)
}

func (p postgresQueryProvider) ReleaseSql() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE lock_id = $1 AND locked_by = $2`, p.Table)
}

func newQueryProvider(d config.DbDriver) queryProvider {
	if d.Postgres() {
		return &postgresQueryProvider{Table: locksTable}
	}

	return &mysqlQueryProvider{Table: locksTable}
}
