package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DHPO timestamps are dd/MM/yyyy HH:mm; some feeds omit the time or add
// seconds, and a few providers emit ISO dates. All observed variants are
// accepted; anything else is a FIELD_CONSTRAINT error.
var dateLayouts = []string{
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
