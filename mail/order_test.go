package mail

import (
	"database/sql"
	"sort"
	"testing"
	"time"
)

func TestParseSendingOrder(t *testing.T) {
	o, err := ParseSendingOrder([]string{"-priority", " created_at ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	exp := "priority DESC, created_at ASC, id ASC"
	if got := o.SQL(false); got != exp {
		t.Errorf("SQL() = %q, want %q", got, exp)
	}

	if _, err := ParseSendingOrder([]string{"priority; DROP TABLE mail_messages"}); err == nil {
		t.Error("expected an error for a column which is not allowed")
	}
}

func TestSendingOrder_SQLWithExplicitNulls(t *testing.T) {
	o, _ := ParseSendingOrder([]string{"scheduled_time", "-id"})

	exp := "scheduled_time ASC NULLS FIRST, id DESC"
	if got := o.SQL(true); got != exp {
		t.Errorf("SQL() = %q, want %q", got, exp)
	}
}

func TestSendingOrder_Less(t *testing.T) {
	base := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{Id: 1, Priority: PriorityLow, CreatedAt: base},
		{Id: 2, Priority: PriorityHigh, CreatedAt: base.Add(time.Second)},
		{Id: 3, Priority: PriorityMedium, CreatedAt: base},
		{Id: 4, Priority: PriorityHigh, CreatedAt: base},
	}

	o, _ := ParseSendingOrder([]string{"-priority"})
	sort.SliceStable(msgs, func(i, j int) bool { return o.Less(msgs[i], msgs[j]) })

	assertOrder(t, msgs, 2, 4, 3, 1)

	o, _ = ParseSendingOrder([]string{"-priority", "created_at"})
	sort.SliceStable(msgs, func(i, j int) bool { return o.Less(msgs[i], msgs[j]) })

	assertOrder(t, msgs, 4, 2, 3, 1)
}

func TestSendingOrder_LessScheduledTimeNullsFirst(t *testing.T) {
	base := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	msgs := []*Message{
		{Id: 1, ScheduledTime: sql.NullTime{Time: base, Valid: true}},
		{Id: 2},
		{Id: 3, ScheduledTime: sql.NullTime{Time: base.Add(-time.Hour), Valid: true}},
	}

	o, _ := ParseSendingOrder([]string{"scheduled_time"})
	sort.SliceStable(msgs, func(i, j int) bool { return o.Less(msgs[i], msgs[j]) })

	assertOrder(t, msgs, 2, 3, 1)
}

func assertOrder(t *testing.T, msgs []*Message, ids ...uint) {
	t.Helper()
	for i, id := range ids {
		if msgs[i].Id != id {
			var got []uint
			for _, m := range msgs {
				got = append(got, m.Id)
			}
			t.Fatalf("expected order %v, got %v", ids, got)
		}
	}
}
