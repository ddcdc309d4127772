package quota

import (
	"fmt"
	"sync"

	"legion/internal/logging"
	"legion/internal/types"
)

// Grant is an allocated key with its reserved request slot. Exactly one of
// Commit or Release must be called when the model call finishes.
type Grant struct {
	Key         types.ApiKey
	Reservation *Reservation
}

// Commit records the tokens consumed by the completed call.
func (g *Grant) Commit(tokens int) { g.Reservation.Commit(tokens) }

// Release returns the slot after a failed call.
func (g *Grant) Release() { g.Reservation.Release() }

// Allocator chooses an API key for a minion's call.
type Allocator struct {
	ledger *Ledger

	mu   sync.RWMutex
	keys []types.ApiKey
}

// NewAllocator creates an allocator over the configured keys.
func NewAllocator(ledger *Ledger, keys []types.ApiKey) *Allocator {
	a := &Allocator{ledger: ledger}
	a.SetKeys(keys)
	return a
}

// SetKeys replaces the key set.
func (a *Allocator) SetKeys(keys []types.ApiKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append([]types.ApiKey(nil), keys...)
}

// Ledger returns the ledger the allocator reserves against.
func (a *Allocator) Ledger() *Ledger { return a.ledger }

// Allocate picks a key for model on behalf of minion. An explicitly assigned
// key is used while it has headroom; otherwise the serving key with the most
// headroom is chosen. Failure is a *types.QuotaExhaustedError.
func (a *Allocator) Allocate(minion *types.Minion, model string) (*Grant, error) {
	a.mu.RLock()
	candidates := make([]string, 0, len(a.keys))
	byID := make(map[string]types.ApiKey, len(a.keys))
	for _, k := range a.keys {
		if k.Serves(model) {
			candidates = append(candidates, k.ID)
			byID[k.ID] = k
		}
	}
	a.mu.RUnlock()

	preferred := ""
	if minion != nil && minion.KeyID != "" {
		if _, ok := byID[minion.KeyID]; ok {
			preferred = minion.KeyID
		} else {
			logging.QuotaWarn("Minion %s is assigned key %q which does not serve %s, load balancing", minion.Name, minion.KeyID, model)
		}
	}

	res, err := a.ledger.ReserveBest(model, preferred, candidates)
	if err != nil {
		who := "regulator"
		if minion != nil {
			who = minion.Name
		}
		logging.QuotaWarn("Allocation failed for %s on %s: %v", who, model, err)
		logging.Audit().QuotaDenied(who, model)
		return nil, err
	}

	key, ok := byID[res.KeyID]
	if !ok {
		res.Release()
		return nil, fmt.Errorf("allocated unknown key %s", res.KeyID)
	}
	if preferred != "" && res.KeyID != preferred {
		logging.Quota("Assigned key %s for %s has no headroom on %s, fell back to %s", preferred, minion.Name, model, res.KeyID)
	}
	return &Grant{Key: key, Reservation: res}, nil
}
