// Package ledger keeps an audit record of every verified payment and how its
// settlement ended. It is fed by the gatekeeper's event stream.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
	"github.com/x402-foundation/x402-gatekeeper/pkg/x402"
)

// ErrNotFound is returned for unknown payment ids.
var ErrNotFound = errors.New("ledger: payment not found")

// Status is the lifecycle position of a payment.
type Status string

const (
	StatusVerified Status = "verified"
	StatusSettling Status = "settling"
	// StatusPending marks a payment settling in the background.
	StatusPending Status = "pending_settlement"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Entry is the ledger record of one payment.
type Entry struct {
	PaymentID   string        `json:"paymentId"`
	Resource    string        `json:"resource"`
	Network     types.Network `json:"network"`
	Payer       string        `json:"payer,omitempty"`
	Amount      string        `json:"amount"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"`
	Deferred    bool          `json:"deferred,omitempty"`
	Transaction string        `json:"transaction,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Store persists ledger entries.
type Store interface {
	Get(ctx context.Context, paymentID string) (Entry, error)
	Put(ctx context.Context, entry Entry) error
	// List returns entries ordered by creation time.
	List(ctx context.Context) ([]Entry, error)
}

// Recorder turns payment events into ledger entries. Events of one payment
// are applied in order; different payments do not wait on each other.
type Recorder struct {
	store  Store
	logger *slog.Logger
	locks  paymentLocks
}

var _ x402.EventSink = (*Recorder)(nil)

// NewRecorder writes to store and logs store failures to logger.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Emit applies ev to its payment's entry. Rejected proofs and events without
// a payment id are not recorded.
func (r *Recorder) Emit(ctx context.Context, ev x402.Event) {
	if ev.PaymentID == "" {
		return
	}
	if ev.Type == x402.EventVerificationResult && !ev.Success {
		return
	}

	unlock := r.locks.lock(ev.PaymentID)
	defer unlock()

	entry, err := r.store.Get(ctx, ev.PaymentID)
	switch {
	case errors.Is(err, ErrNotFound):
		entry = Entry{PaymentID: ev.PaymentID, CreatedAt: ev.Time}
	case err != nil:
		r.logger.Error("ledger read failed", "payment_id", ev.PaymentID, "error", err)
		return
	}

	if !apply(&entry, ev) {
		return
	}
	if err := r.store.Put(ctx, entry); err != nil {
		r.logger.Error("ledger write failed", "payment_id", ev.PaymentID, "error", err)
	}
}

// paymentLocks hands out one mutex per payment id and forgets it once no
// caller holds or waits for it.
type paymentLocks struct {
	mu    sync.Mutex
	locks map[string]*paymentLock
}

type paymentLock struct {
	sync.Mutex
	refs int
}

func (l *paymentLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*paymentLock)
	}
	pl, ok := l.locks[id]
	if !ok {
		pl = &paymentLock{}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.Lock()
	return func() {
		pl.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func apply(e *Entry, ev x402.Event) bool {
	if ev.Resource != "" {
		e.Resource = ev.Resource
	}
	if ev.Network != "" {
		e.Network = ev.Network
	}
	if ev.Payer != "" {
		e.Payer = ev.Payer
	}
	if ev.Amount != "" {
		e.Amount = ev.Amount
	}
	e.UpdatedAt = ev.Time

	switch ev.Type {
	case x402.EventVerificationResult:
		e.Status = StatusVerified
	case x402.EventSettlementAttempt:
		e.Attempts = ev.Attempt
		e.Deferred = ev.Deferred
		e.Status = StatusSettling
		if ev.Deferred {
			e.Status = StatusPending
		}
	case x402.EventSettlementOutcome:
		e.Attempts = ev.Attempt
		e.Deferred = ev.Deferred
		e.Transaction = ev.Transaction
		e.Reason = ev.Reason
		e.Status = StatusFailed
		if ev.Success {
			e.Status = StatusSettled
		}
	default:
		return false
	}
	return true
}

// MemoryStore keeps entries in process memory. Entries not written for ttl
// are dropped, like the expiry RedisStore sets on every write.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry   Entry
	expires time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A zero ttl keeps entries forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, paymentID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()
	e, ok := s.entries[paymentID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.entry, nil
}

func (s *MemoryStore) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict()
	e := memoryEntry{entry: entry}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.entries[entry.PaymentID] = e
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Entry, error) {
	s.mu.Lock()
	s.evict()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e.entry)
	}
	s.mu.Unlock()

	sortEntries(entries)
	return entries, nil
}

// evict drops expired entries. Callers hold s.mu.
func (s *MemoryStore) evict() {
	if s.ttl <= 0 {
		return
	}
	now := s.now()
	for id, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, id)
		}
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].PaymentID < entries[j].PaymentID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
