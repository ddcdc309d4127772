// Package usage keeps cumulative model usage statistics for legion.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"legion/internal/logging"
)

type (
	trackerKey struct{}
	minionKey  struct{}
	channelKey struct{}
)

// Tracker manages usage recording and persistence.
type Tracker struct {
	mu       sync.Mutex
	data     UsageData
	filePath string
	dirty    bool
}

// NewTracker creates a tracker persisting to <dataDir>/usage.json and loads
// any existing statistics.
func NewTracker(dataDir string) (*Tracker, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dataDir, "usage.json"),
		data:     UsageData{Version: "1.0"},
	}
	t.data.Aggregate.initMaps()

	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryUsage).Warn("Ignoring unreadable usage file %s: %v", t.filePath, err)
	}
	return t, nil
}

func (a *AggregatedStats) initMaps() {
	for _, m := range []*map[string]TokenCounts{&a.ByModel, &a.ByKey, &a.ByMinion, &a.ByChannel, &a.ByOperation} {
		if *m == nil {
			*m = make(map[string]TokenCounts)
		}
	}
}

// Load reads the usage data from disk. A missing file is not an error.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var loaded UsageData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	loaded.Aggregate.initMaps()
	t.data = loaded
	return nil
}

// Save writes the usage data to disk when it changed since the last save.
func (t *Tracker) Save(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}

	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	t.dirty = false
	logging.UsageDebug("Saved usage stats (%d calls)", t.data.Aggregate.Total.Calls)
	return nil
}

// Track records one completed model call. Minion and channel come from ctx.
func (t *Tracker) Track(ctx context.Context, model, keyID string, tokens int, op Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := &t.data.Aggregate
	agg.Total.Add(tokens)
	addToMap(agg.ByModel, model, tokens)
	addToMap(agg.ByKey, keyID, tokens)
	addToMap(agg.ByOperation, string(op), tokens)
	if name := MinionFrom(ctx); name != "" {
		addToMap(agg.ByMinion, name, tokens)
	}
	if id := ChannelFrom(ctx); id != "" {
		addToMap(agg.ByChannel, id, tokens)
	}
	t.dirty = true
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByKey = copyTokenCountsMap(stats.ByKey)
	stats.ByMinion = copyTokenCountsMap(stats.ByMinion)
	stats.ByChannel = copyTokenCountsMap(stats.ByChannel)
	stats.ByOperation = copyTokenCountsMap(stats.ByOperation)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, tokens int) {
	entry := m[key]
	entry.Add(tokens)
	m[key] = entry
}

// Context Helpers

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// FromContext retrieves the tracker from the context.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

// WithTurn tags ctx with the minion and channel a call is made for.
func WithTurn(ctx context.Context, minion, channelID string) context.Context {
	ctx = context.WithValue(ctx, minionKey{}, minion)
	return context.WithValue(ctx, channelKey{}, channelID)
}

// MinionFrom returns the minion tagged by WithTurn.
func MinionFrom(ctx context.Context) string {
	s, _ := ctx.Value(minionKey{}).(string)
	return s
}

// ChannelFrom returns the channel tagged by WithTurn.
func ChannelFrom(ctx context.Context) string {
	s, _ := ctx.Value(channelKey{}).(string)
	return s
}
