// Package session keeps the pending fuel entry of each operator while they
// choose how the purchase was paid.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/zombor/fleet-fuel/internal/parser"
)

// ErrExpired is returned when a selection refers to an entry that is gone:
// the window elapsed, or a newer report replaced it.
var ErrExpired = errors.New("selection window expired")

// State of a pending entry.
type State int

const (
	Idle State = iota
	AwaitingPaymentMethod
	AwaitingDenomination
	Resolved
	Expired
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPaymentMethod:
		return "awaiting_payment_method"
	case AwaitingDenomination:
		return "awaiting_denomination"
	case Resolved:
		return "resolved"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is one operator's unresolved fuel report.
type Entry struct {
	Ref        string
	ChatID     int64
	State      State
	Report     parser.Report
	VehicleID  string
	Plate      string
	LastKnown  int
	Attachment string
	Payment    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// Store is a bounded map from chat id to its pending entry. A new entry for
// a chat replaces the previous one; when full, the least recently touched
// entry is evicted.
type Store struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	window  time.Duration
	max     int
	clock   TimeSource
	newRef  func() string
}

// NewStore creates a Store with the given selection window and bound.
func NewStore(window time.Duration, maxEntries int) *Store {
	return NewStoreWithDeps(window, maxEntries, systemTime{}, newRef)
}

// NewStoreWithDeps creates a Store with custom dependencies for testing
func NewStoreWithDeps(window time.Duration, maxEntries int, clock TimeSource, refs func() string) *Store {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Store{
		entries: make(map[int64]*Entry),
		window:  window,
		max:     maxEntries,
		clock:   clock,
		newRef:  refs,
	}
}

func newRef() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Put stores e as the pending entry for e.ChatID with a fresh reference and
// state AwaitingPaymentMethod. It reports whether an unresolved entry was
// replaced.
func (s *Store) Put(e Entry) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	_, replaced := s.entries[e.ChatID]
	if !replaced && len(s.entries) >= s.max {
		s.evictOldestLocked()
	}

	e.Ref = s.newRef()
	e.State = AwaitingPaymentMethod
	e.CreatedAt = now
	e.UpdatedAt = now
	stored := e
	s.entries[e.ChatID] = &stored
	return stored, replaced
}

// Get returns the live entry for chatID with the given reference.
func (s *Store) Get(chatID int64, ref string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.liveLocked(chatID, ref)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// Advance moves a live entry to state and restarts its window.
func (s *Store) Advance(chatID int64, ref string, state State) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.liveLocked(chatID, ref)
	if err != nil {
		return Entry{}, err
	}
	e.State = state
	e.UpdatedAt = s.clock.Now()
	return *e, nil
}

// Resolve removes a live entry and returns it with state Resolved and the
// given payment tag.
func (s *Store) Resolve(chatID int64, ref, payment string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.liveLocked(chatID, ref)
	if err != nil {
		return Entry{}, err
	}
	delete(s.entries, chatID)
	e.State = Resolved
	e.Payment = payment
	e.UpdatedAt = s.clock.Now()
	return *e, nil
}

// Sweep drops every entry whose window has elapsed and returns how many
// were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	dropped := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) liveLocked(chatID int64, ref string) (*Entry, error) {
	e, ok := s.entries[chatID]
	if !ok || e.Ref != ref {
		return nil, errors.Wrapf(ErrExpired, "no pending entry %q for chat %d", ref, chatID)
	}
	if s.expired(e, s.clock.Now()) {
		delete(s.entries, chatID)
		return nil, errors.Wrapf(ErrExpired, "entry %q for chat %d timed out", ref, chatID)
	}
	return e, nil
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return s.window > 0 && now.Sub(e.UpdatedAt) > s.window
}

func (s *Store) evictOldestLocked() {
	var (
		oldestID int64
		oldest   *Entry
	)
	for id, e := range s.entries {
		if oldest == nil || e.UpdatedAt.Before(oldest.UpdatedAt) {
			oldestID, oldest = id, e
		}
	}
	if oldest != nil {
		delete(s.entries, oldestID)
	}
}
