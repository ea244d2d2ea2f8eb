//go:build integration
// +build integration

package integration

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"inviqa/mail-outbox-relay/mail"
)

type storedMessage struct {
	Status          sql.NullInt16
	NumberOfRetries sql.NullInt32
}

func (m storedMessage) hasStatus(s mail.Status) bool {
	return m.Status.Valid && mail.Status(m.Status.Int16) == s
}

func query(q string) string {
	if !cfg.DBDriver.Postgres() {
		return q
	}

	for i := 1; strings.Contains(q, "?"); i++ {
		q = strings.Replace(q, "?", fmt.Sprintf("$%d", i), 1)
	}
	return q
}

func purgeMailTables() {
	for _, table := range []string{"mail_logs", "mail_recipients", "mail_messages", "mail_locks"} {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s;", table)); err != nil {
			panic(fmt.Sprintf("an error occurred cleaning the %s table for tests: %s", table, err))
		}
	}
}

// insertFinishedMessage stores a message which has already reached status s.
func insertFinishedMessage(s mail.Status, createdAt time.Time) uint {
	q := "INSERT INTO mail_messages (from_email, subject, message, html_message, status, priority, created_at, last_updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"
	args := []interface{}{"noreply@example.com", "finished", "body", "", int16(s), int16(mail.PriorityMedium), createdAt, createdAt}

	var id int64
	if cfg.DBDriver.MySQL() {
		res, err := db.Exec(q, args...)
		if err != nil {
			panic(fmt.Sprintf("failed to insert mail message in MySQL: %s", err))
		}
		if id, err = res.LastInsertId(); err != nil {
			panic(fmt.Sprintf("failed to determine last insert ID for the inserted mail message: %s", err))
		}
	} else {
		if err := db.QueryRow(query(q)+" RETURNING id", args...).Scan(&id); err != nil {
			panic(fmt.Sprintf("failed to insert mail message in Postgres: %s", err))
		}
	}

	return uint(id)
}

func getMailMessage(id uint) storedMessage {
	var m storedMessage
	err := db.QueryRow(query("SELECT status, number_of_retries FROM mail_messages WHERE id = ?"), id).Scan(&m.Status, &m.NumberOfRetries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			panic(fmt.Sprintf("no mail message records found with ID %d", id))
		}
		panic(fmt.Sprintf("an error occurred scanning the mail message: %s", err))
	}

	return m
}

func mailMessageExists(id uint) bool {
	return count("SELECT COUNT(*) FROM mail_messages WHERE id = ?", id) > 0
}

func mailLogCount(id uint, s mail.Status) int {
	return count("SELECT COUNT(*) FROM mail_logs WHERE message_id = ? AND status = ?", id, int16(s))
}

func leaseCount(name string) int {
	return count("SELECT COUNT(*) FROM mail_locks WHERE lock_id = ?", name)
}

func count(q string, args ...interface{}) int {
	var n int
	if err := db.QueryRow(query(q), args...).Scan(&n); err != nil {
		panic(err)
	}

	return n
}

func recipientCount(messageId uint) int {
	return count("SELECT COUNT(*) FROM mail_recipients WHERE message_id = ?", messageId)
}

func queuedCount() int {
	return count("SELECT COUNT(*) FROM mail_messages")
}
