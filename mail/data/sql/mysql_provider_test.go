package sql

import (
	"strings"
	"testing"
)

func TestMysqlQueryProvider_QueuedMessagesSql(t *testing.T) {
	actual := createProvider().QueuedMessagesSql("priority DESC, id ASC", 20)

	exp := "SELECT `id`, `subject`, `status` FROM `mail_messages` WHERE `status` IN (?, ?) AND (`scheduled_time` IS NULL OR `scheduled_time` <= ?) AND (`expires_at` IS NULL OR `expires_at` > ?) ORDER BY priority DESC, id ASC LIMIT 20"

	if actual != exp {
		t.Errorf(`received "%s" but expected "%s"`, actual, exp)
	}
}

func TestMysqlQueryProvider_StatusUpdateSql(t *testing.T) {
	actual := createProvider().StatusUpdateSql(3)

	exp := "UPDATE `mail_messages` SET `status` = ?, `last_updated` = ? WHERE `status` IN (?, ?) AND `id` IN (?, ?, ?)"

	if actual != exp {
		t.Errorf(`received "%s" but expected "%s"`, actual, exp)
	}
}

func TestMysqlQueryProvider_RequeueUpdateSql(t *testing.T) {
	actual := createProvider().RequeueUpdateSql(2)

	if !strings.Contains(actual, "`number_of_retries` = COALESCE(`number_of_retries`, 0) + 1") {
		t.Errorf("requeue SQL does not increment the retry count")
	}

	if !strings.HasSuffix(actual, "WHERE `status` IN (?, ?) AND `id` IN (?, ?)") {
		t.Errorf("requeue SQL is not conditional on the pending status: %s", actual)
	}
}

func TestMysqlQueryProvider_InsertLogsSql(t *testing.T) {
	actual := createProvider().InsertLogsSql(2)

	if !strings.HasSuffix(actual, "VALUES (?, ?, ?, ?, ?), (?, ?, ?, ?, ?)") {
		t.Errorf("log insert SQL does not contain a row per entry: %s", actual)
	}
}

func TestMysqlQueryProvider_InsertMessageSql(t *testing.T) {
	actual := createProvider().InsertMessageSql()

	exp := "INSERT INTO `mail_messages` (`subject`, `status`) VALUES (?, ?)"

	if actual != exp {
		t.Errorf(`received "%s" but expected "%s"`, actual, exp)
	}
}

func TestMysqlQueryProvider_RecipientsSql(t *testing.T) {
	actual := createProvider().RecipientsSql(2)

	if !strings.Contains(actual, "FROM `mail_recipients` WHERE `message_id` IN (?, ?) ORDER BY `id` ASC") {
		t.Errorf("recipients SQL is not constrained to the batch: %s", actual)
	}
}

func TestMysqlQueryProvider_DeleteFinishedMessagesSql(t *testing.T) {
	actual := createProvider().DeleteFinishedMessagesSql()

	if !strings.Contains(actual, "WHERE `status` IN (?, ?) AND `created_at` < ?") {
		t.Errorf("delete SQL does not contain a valid constraint")
	}
}

func createProvider() *MysqlQueryProvider {
	return &MysqlQueryProvider{
		Columns:         []string{"id", "subject", "status"},
		Table:           "mail_messages",
		RecipientsTable: "mail_recipients",
		LogsTable:       "mail_logs",
	}
}
