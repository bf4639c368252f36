package memory

import (
	"context"
	"sync"
	"time"

	"github.com/solocheck/solocheck/internal/domain/dispatch"
)

type ledgerRecord struct {
	outcome       dispatch.Outcome
	providerMsgID *string
}

type LedgerRepo struct {
	mu      sync.Mutex
	entries map[dispatch.LedgerKey]ledgerRecord
}

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{entries: make(map[dispatch.LedgerKey]ledgerRecord)}
}

func (r *LedgerRepo) Check(_ context.Context, key dispatch.LedgerKey) (dispatch.Outcome, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[key]
	return rec.outcome, ok, nil
}

func (r *LedgerRepo) Record(_ context.Context, key dispatch.LedgerKey, outcome dispatch.Outcome, providerMsgID *string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// First writer wins, matching the unique-violation-as-success semantics.
	if _, ok := r.entries[key]; !ok {
		r.entries[key] = ledgerRecord{outcome: outcome, providerMsgID: providerMsgID}
	}
	return nil
}

// Entry exposes the full record for test assertions.
func (r *LedgerRepo) Entry(key dispatch.LedgerKey) (dispatch.Outcome, *string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.entries[key]
	return rec.outcome, rec.providerMsgID, ok
}

func (r *LedgerRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
