package coupon

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// IssuedStore persists the coupon numbers issued on a day so a restart
// does not hand the same coupon out again.
type IssuedStore interface {
	LoadIssued(day string) ([]string, error)
	SaveIssued(day string, numbers []string) error
}

// IssuedLedger is the set of coupon numbers handed out today. The set
// starts empty whenever the calendar day in loc changes.
type IssuedLedger struct {
	mu      sync.Mutex
	loc     *time.Location
	now     func() time.Time
	store   IssuedStore
	day     string
	numbers map[string]struct{}
}

// NewIssuedLedger creates a ledger keyed by day in loc. store may be nil.
func NewIssuedLedger(loc *time.Location, now func() time.Time, store IssuedStore) *IssuedLedger {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &IssuedLedger{loc: loc, now: now, store: store, numbers: map[string]struct{}{}}
}

// rollLocked switches to the current day, loading its persisted numbers.
func (l *IssuedLedger) rollLocked() {
	today := l.now().In(l.loc).Format(dayLayout)
	if today == l.day {
		return
	}
	l.day = today
	l.numbers = map[string]struct{}{}
	if l.store == nil {
		return
	}
	numbers, err := l.store.LoadIssued(today)
	if err != nil {
		slog.Error("Failed to load issued coupons", "day", today, "error", err)
		return
	}
	for _, n := range numbers {
		l.numbers[n] = struct{}{}
	}
}

// Has reports whether number was issued today.
func (l *IssuedLedger) Has(number string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	_, ok := l.numbers[number]
	return ok
}

// TryMark records number as issued today unless it already is. It
// reports whether this call recorded it. Check and insert are one step,
// so two callers can never both win the same number.
func (l *IssuedLedger) TryMark(number string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	if _, ok := l.numbers[number]; ok {
		return false
	}
	l.numbers[number] = struct{}{}
	l.persistLocked()
	return true
}

// Issued returns today's numbers, sorted.
func (l *IssuedLedger) Issued() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.sortedLocked()
}

// Day returns the current day key.
func (l *IssuedLedger) Day() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked()
	return l.day
}

func (l *IssuedLedger) sortedLocked() []string {
	out := make([]string, 0, len(l.numbers))
	for n := range l.numbers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// persistLocked writes the day's set. A failed write is logged: the
// coupon stays issued in memory.
func (l *IssuedLedger) persistLocked() {
	if l.store == nil {
		return
	}
	if err := l.store.SaveIssued(l.day, l.sortedLocked()); err != nil {
		slog.Error("Failed to persist issued coupons", "day", l.day, "error", err)
	}
}
