package mail

import (
	"strings"

	"github.com/pkg/errors"
)

var orderColumns = map[string]bool{
	"priority":       true,
	"created_at":     true,
	"scheduled_time": true,
	"id":             true,
}

type OrderKey struct {
	Column     string
	Descending bool
}

// SendingOrder is the ordered list of keys the queue is drained by. The
// primary key ascending is always appended as the final tie breaker.
type SendingOrder []OrderKey

// ParseSendingOrder reads keys such as "-priority" or "created_at". Only
// whitelisted columns are accepted as they are interpolated into SQL.
func ParseSendingOrder(keys []string) (SendingOrder, error) {
	var o SendingOrder
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}

		key := OrderKey{Column: k}
		if strings.HasPrefix(k, "-") {
			key = OrderKey{Column: k[1:], Descending: true}
		}

		if !orderColumns[key.Column] {
			return nil, errors.Errorf("mail: cannot order the queue by %q", key.Column)
		}
		o = append(o, key)
	}

	return o, nil
}

// SQL renders the ORDER BY expression, without the keyword. MySQL sorts
// NULL first in ascending order, explicitNulls spells that out for databases
// that default the other way.
func (o SendingOrder) SQL(explicitNulls bool) string {
	var parts []string
	hasId := false
	for _, k := range o {
		dir := "ASC"
		if k.Descending {
			dir = "DESC"
		}
		if explicitNulls && k.Column == "scheduled_time" {
			if k.Descending {
				dir += " NULLS LAST"
			} else {
				dir += " NULLS FIRST"
			}
		}
		parts = append(parts, k.Column+" "+dir)
		hasId = hasId || k.Column == "id"
	}

	if !hasId {
		parts = append(parts, "id ASC")
	}

	return strings.Join(parts, ", ")
}

// Less orders two messages the same way the SQL expression does. NULL
// scheduled times sort first in ascending order.
func (o SendingOrder) Less(a, b *Message) bool {
	for _, k := range o {
		c := compare(k.Column, a, b)
		if c == 0 {
			continue
		}
		if k.Descending {
			return c > 0
		}
		return c < 0
	}

	return a.Id < b.Id
}

func compare(column string, a, b *Message) int {
	switch column {
	case "priority":
		return compareInt(int64(a.Priority), int64(b.Priority))
	case "created_at":
		return compareInt(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	case "scheduled_time":
		switch {
		case !a.ScheduledTime.Valid && !b.ScheduledTime.Valid:
			return 0
		case !a.ScheduledTime.Valid:
			return -1
		case !b.ScheduledTime.Valid:
			return 1
		}
		return compareInt(a.ScheduledTime.Time.UnixNano(), b.ScheduledTime.Time.UnixNano())
	case "id":
		return compareInt(int64(a.Id), int64(b.Id))
	}

	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
