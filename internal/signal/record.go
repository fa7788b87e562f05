package signal

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Domain names a family of business records.
type Domain string

// Record domains supplied by a Source.
const (
	DomainDeals    Domain = "deals"
	DomainInvoices Domain = "invoices"
	DomainTickets  Domain = "tickets"
)

// Record is one structured business record (a deal, an invoice, a ticket).
type Record map[string]any

// Records groups input records by domain.
type Records map[Domain][]Record

// Source supplies records for an organization and window. Implementations must
// return an empty slice, not an error, when no data exists for the window.
type Source interface {
	FetchRecords(ctx context.Context, orgID int64, domain Domain, period Period) ([]Record, error)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// String returns the field as a trimmed string, or "" when absent.
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}

// Time parses the field as a timestamp. Empty and unparseable values report false.
func (r Record) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Amount returns a monetary field as float64. A missing or empty field is zero;
// a value that cannot be read as a number is an error.
func (r Record) Amount(key string) (float64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, nil
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, eris.Wrapf(err, "field %s: %q is not numeric", key, s)
		}
		return f, nil
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, eris.Errorf("field %s: %v is not numeric", key, v)
	}
	return f, nil
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}
