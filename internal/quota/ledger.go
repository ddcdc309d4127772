// Package quota implements the Quota Ledger and Key Allocator.
//
// The ledger is the single writer of usage counters. Usage is bucketed per
// (API key, scope) where scope is the model's shared pool if it has one and
// the model id otherwise. Every model in a pool draws from the same bucket.
//
// Allocation reserves a request slot under the write lock so concurrent
// callers can never collectively overshoot a request ceiling. Each
// reservation also holds an estimate of its token spend against the TPM
// ceiling; actual spend is only known at commit, so TPM can still be
// exceeded by the error in that estimate. The reservation is
// committed with the response's token count when the call completes, or
// released when it fails, so failed calls consume no budget.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"legion/internal/logging"
	"legion/internal/types"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour

	snapshotKey = "quota/usage"
)

// usageEvent is one completed call.
type usageEvent struct {
	At     time.Time `json:"at"`
	Tokens int       `json:"tokens"`
}

type bucketKey struct {
	KeyID string
	Scope string
}

type bucket struct {
	events  []usageEvent
	pending int
	// pendingTokens is the estimated spend of the pending reservations.
	pendingTokens int
}

// Usage is the observed state of one bucket.
type Usage struct {
	KeyID          string `json:"key_id"`
	Scope          string `json:"scope"`
	RequestsMinute int    `json:"requests_minute"`
	TokensMinute   int    `json:"tokens_minute"`
	RequestsDay    int    `json:"requests_day"`
	Pending        int    `json:"pending"`
}

// Ledger tracks rolling usage windows against configured ceilings.
type Ledger struct {
	mu      sync.RWMutex
	limits  map[string]types.QuotaLimit
	pools   map[string]types.QuotaLimit
	buckets map[bucketKey]*bucket

	now func() time.Time
}

// NewLedger creates a ledger with the given per-model ceilings.
func NewLedger(limits map[string]types.QuotaLimit) *Ledger {
	l := &Ledger{
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
	l.SetLimits(limits)
	return l
}

// SetLimits replaces the ceiling table. Recorded usage is kept.
func (l *Ledger) SetLimits(limits map[string]types.QuotaLimit) {
	copied := make(map[string]types.QuotaLimit, len(limits))
	for model, lim := range limits {
		copied[model] = lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = copied
	l.pools = poolLimits(copied)
	logging.Quota("Quota limits updated: %d models, %d shared pools", len(copied), len(l.pools))
}

// poolLimits derives each pool's ceiling as the strictest member ceiling per
// dimension, ignoring unmonitored dimensions.
func poolLimits(limits map[string]types.QuotaLimit) map[string]types.QuotaLimit {
	pools := make(map[string]types.QuotaLimit)
	for _, lim := range limits {
		if lim.SharedPool == "" {
			continue
		}
		cur, seen := pools[lim.SharedPool]
		if !seen {
			pools[lim.SharedPool] = lim
			continue
		}
		cur.RPM = stricter(cur.RPM, lim.RPM)
		cur.TPM = stricter(cur.TPM, lim.TPM)
		cur.RPD = stricter(cur.RPD, lim.RPD)
		pools[lim.SharedPool] = cur
	}
	return pools
}

func stricter(a, b int) int {
	switch {
	case unmonitored(a):
		return b
	case unmonitored(b):
		return a
	case b < a:
		return b
	default:
		return a
	}
}

func unmonitored(ceiling int) bool {
	return ceiling <= 0 || ceiling >= types.QuotaUnmonitored
}

// Limit returns the effective ceilings for model and the bucket scope it
// counts against. ok is false when the model has no configured limits.
func (l *Ledger) Limit(model string) (lim types.QuotaLimit, scope string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limitLocked(model)
}

func (l *Ledger) limitLocked(model string) (types.QuotaLimit, string, bool) {
	lim, ok := l.limits[model]
	if !ok {
		return types.QuotaLimit{}, model, false
	}
	if lim.SharedPool != "" {
		return l.pools[lim.SharedPool], lim.SharedPool, true
	}
	return lim, model, true
}

// usage counts events in the windows ending at now.
func (b *bucket) usage(now time.Time) (reqMin, tokMin, reqDay int) {
	for _, e := range b.events {
		age := now.Sub(e.At)
		if age < dayWindow {
			reqDay++
		}
		if age < minuteWindow {
			reqMin++
			tokMin += e.Tokens
		}
	}
	return reqMin, tokMin, reqDay
}

// estimate guesses the tokens of the next call: the mean of the calls in
// the minute window, else the most recent call, else zero.
func (b *bucket) estimate(now time.Time) int {
	reqMin, tokMin, _ := b.usage(now)
	if reqMin > 0 {
		return (tokMin + reqMin - 1) / reqMin
	}
	if n := len(b.events); n > 0 {
		return b.events[n-1].Tokens
	}
	return 0
}

// prune drops events that have left the day window.
func (b *bucket) prune(now time.Time) {
	i := 0
	for i < len(b.events) && now.Sub(b.events[i].At) >= dayWindow {
		i++
	}
	if i > 0 {
		b.events = append(b.events[:0], b.events[i:]...)
	}
}

// headroomLocked returns the smallest remaining fraction across the
// monitored dimensions, counting pending reservations as requests and at
// their estimated token spend. Zero means the bucket is exhausted.
func (l *Ledger) headroomLocked(keyID, model string) float64 {
	lim, scope, ok := l.limitLocked(model)
	if !ok {
		return 1
	}
	var reqMin, tokMin, reqDay, pending, pendingTokens int
	if b := l.buckets[bucketKey{keyID, scope}]; b != nil {
		reqMin, tokMin, reqDay = b.usage(l.now())
		pending, pendingTokens = b.pending, b.pendingTokens
	}

	h := 1.0
	h = minHeadroom(h, lim.RPM, reqMin+pending)
	h = minHeadroom(h, lim.TPM, tokMin+pendingTokens)
	h = minHeadroom(h, lim.RPD, reqDay+pending)
	return h
}

func minHeadroom(h float64, ceiling, used int) float64 {
	if unmonitored(ceiling) {
		return h
	}
	remaining := float64(ceiling-used) / float64(ceiling)
	if remaining < 0 {
		remaining = 0
	}
	if remaining < h {
		return remaining
	}
	return h
}

// Headroom reports the remaining fraction [0,1] for keyID on model.
func (l *Ledger) Headroom(keyID, model string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headroomLocked(keyID, model)
}

// Reservation is a request slot held between dispatch and completion.
type Reservation struct {
	ledger *Ledger
	KeyID  string
	Model  string
	scope  string
	// estimate is the token spend held against TPM until completion.
	estimate int
	once     sync.Once
}

// Commit records the completed call with the tokens it consumed.
func (r *Reservation) Commit(tokens int) {
	r.once.Do(func() {
		r.ledger.finish(r, tokens, true)
	})
}

// Release returns the slot without recording usage.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.ledger.finish(r, 0, false)
	})
}

func (l *Ledger) finish(r *Reservation, tokens int, commit bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(bucketKey{r.KeyID, r.scope})
	if b.pending > 0 {
		b.pending--
	}
	b.pendingTokens = max(0, b.pendingTokens-r.estimate)
	if !commit {
		return
	}
	now := l.now()
	b.prune(now)
	b.events = append(b.events, usageEvent{At: now, Tokens: tokens})
	logging.QuotaDebug("Recorded %d tokens for %s on key %s", tokens, r.scope, r.KeyID)
}

func (l *Ledger) bucketLocked(k bucketKey) *bucket {
	b := l.buckets[k]
	if b == nil {
		b = &bucket{}
		l.buckets[k] = b
	}
	return b
}

// ReserveBest reserves a request slot for model. preferred, when non-empty
// and among candidates with headroom, wins; otherwise the candidate with the
// most headroom is chosen (ties keep candidate order). The choice and the
// reservation happen under one write lock.
func (l *Ledger) ReserveBest(model, preferred string, candidates []string) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, scope, _ := l.limitLocked(model)
	pool := ""
	if scope != model {
		pool = scope
	}
	if len(candidates) == 0 {
		return nil, &types.QuotaExhaustedError{Model: model, Pool: pool}
	}

	chosen := ""
	if preferred != "" {
		for _, c := range candidates {
			if c == preferred && l.headroomLocked(c, model) > 0 {
				chosen = c
				break
			}
		}
	}
	if chosen == "" {
		best := 0.0
		for _, c := range candidates {
			if h := l.headroomLocked(c, model); h > best {
				best, chosen = h, c
			}
		}
	}
	if chosen == "" {
		return nil, &types.QuotaExhaustedError{Model: model, Pool: pool, KeysTried: len(candidates)}
	}

	b := l.bucketLocked(bucketKey{chosen, scope})
	est := b.estimate(l.now())
	b.pending++
	b.pendingTokens += est
	return &Reservation{ledger: l, KeyID: chosen, Model: model, scope: scope, estimate: est}, nil
}

// Usage returns the current state of the bucket keyID draws from for model.
func (l *Ledger) Usage(keyID, model string) Usage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, scope, _ := l.limitLocked(model)
	u := Usage{KeyID: keyID, Scope: scope}
	if b := l.buckets[bucketKey{keyID, scope}]; b != nil {
		u.RequestsMinute, u.TokensMinute, u.RequestsDay = b.usage(l.now())
		u.Pending = b.pending
	}
	return u
}

// Report returns the state of every bucket, sorted by key then scope.
func (l *Ledger) Report() []Usage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	out := make([]Usage, 0, len(l.buckets))
	for k, b := range l.buckets {
		u := Usage{KeyID: k.KeyID, Scope: k.Scope, Pending: b.pending}
		u.RequestsMinute, u.TokensMinute, u.RequestsDay = b.usage(now)
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].KeyID != out[j].KeyID {
			return out[i].KeyID < out[j].KeyID
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Snapshot is the persisted form of the ledger's rolling windows.
type Snapshot struct {
	SavedAt time.Time                          `json:"saved_at"`
	Buckets map[string]map[string][]usageEvent `json:"buckets"` // key -> scope -> events
}

// Snapshot captures committed usage. Pending reservations are not persisted.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := Snapshot{SavedAt: l.now(), Buckets: make(map[string]map[string][]usageEvent)}
	for k, b := range l.buckets {
		if len(b.events) == 0 {
			continue
		}
		scopes := snap.Buckets[k.KeyID]
		if scopes == nil {
			scopes = make(map[string][]usageEvent)
			snap.Buckets[k.KeyID] = scopes
		}
		scopes[k.Scope] = append([]usageEvent(nil), b.events...)
	}
	return snap
}

// Restore merges a snapshot into the ledger, discarding events older than
// the day window.
func (l *Ledger) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	restored := 0
	for keyID, scopes := range snap.Buckets {
		for scope, events := range scopes {
			b := l.bucketLocked(bucketKey{keyID, scope})
			for _, e := range events {
				if now.Sub(e.At) < dayWindow && !e.At.After(now) {
					b.events = append(b.events, e)
					restored++
				}
			}
			sort.Slice(b.events, func(i, j int) bool { return b.events[i].At.Before(b.events[j].At) })
		}
	}
	logging.Quota("Restored %d usage events from snapshot saved %s", restored, snap.SavedAt.Format(time.RFC3339))
}

// Save writes a snapshot to the KV store.
func (l *Ledger) Save(ctx context.Context, kv types.KVStore) error {
	data, err := json.Marshal(l.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal quota snapshot: %w", err)
	}
	if err := kv.Set(ctx, snapshotKey, data); err != nil {
		return fmt.Errorf("failed to save quota snapshot: %w", err)
	}
	return nil
}

// Load restores the last saved snapshot. A missing snapshot is not an error.
func (l *Ledger) Load(ctx context.Context, kv types.KVStore) error {
	data, err := kv.Get(ctx, snapshotKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read quota snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode quota snapshot: %w", err)
	}
	l.Restore(snap)
	return nil
}
