package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

// IdempotentFacilitator settles each distinct proof at most once within ttl.
// A caller resending the same X-PAYMENT after a timeout gets the cached
// success instead of a second settle call. Concurrent settles of the same
// proof wait for the first one. Failures are not cached.
type IdempotentFacilitator struct {
	inner FacilitatorClient
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*settleEntry
}

type settleEntry struct {
	done    chan struct{}
	resp    *types.SettleResponse
	expires time.Time
}

var _ FacilitatorClient = (*IdempotentFacilitator)(nil)

// NewIdempotentFacilitator wraps inner with a settlement cache.
func NewIdempotentFacilitator(inner FacilitatorClient, ttl time.Duration) *IdempotentFacilitator {
	return &IdempotentFacilitator{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*settleEntry),
	}
}

// SettlementKey identifies a proof by the hash of its canonical JSON, which
// covers the signature and nonce.
func SettlementKey(payload types.PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (f *IdempotentFacilitator) Verify(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.VerifyResponse, error) {
	return f.inner.Verify(ctx, payload, req)
}

func (f *IdempotentFacilitator) Settle(ctx context.Context, payload types.PaymentPayload, req types.PaymentRequirements) (*types.SettleResponse, error) {
	key, err := SettlementKey(payload)
	if err != nil {
		return f.inner.Settle(ctx, payload, req)
	}

	for {
		entry, owner := f.claim(key)
		if owner {
			resp, err := f.inner.Settle(ctx, payload, req)
			f.finish(key, entry, resp, err)
			return resp, err
		}
		if entry.resp != nil {
			cached := *entry.resp
			return &cached, nil
		}

		select {
		case <-entry.done:
			// the owner either cached a success or released the key
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// claim returns the live entry for key, creating it when absent. owner is
// true when the caller must settle and then call finish.
func (f *IdempotentFacilitator) claim(key string) (*settleEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	for k, e := range f.entries {
		if e.resp != nil && now.After(e.expires) {
			delete(f.entries, k)
		}
	}

	if e, ok := f.entries[key]; ok {
		if e.resp != nil {
			return e, false
		}
		return &settleEntry{done: e.done}, false
	}

	e := &settleEntry{done: make(chan struct{})}
	f.entries[key] = e
	return e, true
}

func (f *IdempotentFacilitator) finish(key string, entry *settleEntry, resp *types.SettleResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil && resp != nil && resp.Success {
		cached := *resp
		entry.resp = &cached
		entry.expires = f.now().Add(f.ttl)
	} else {
		delete(f.entries, key)
	}
	close(entry.done)
}

// WithIdempotentSettlement deduplicates settle calls for the same proof
// within ttl.
func WithIdempotentSettlement(ttl time.Duration) Option {
	return func(g *Gatekeeper) {
		g.settleCacheTTL = ttl
	}
}
