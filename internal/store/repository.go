package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"legion/internal/logging"
	"legion/internal/types"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// =============================================================================
// KEY LAYOUT
// =============================================================================

const (
	prefixMinion   = "minion/"
	prefixChannel  = "channel/"
	prefixMessages = "messages/"
	prefixAPIKey   = "apikey/"

	indexMinions  = "index/minions"
	indexChannels = "index/channels"
	indexAPIKeys  = "index/apikeys"
)

// Repository is the typed view of the KV store. Each channel's record and
// message log are written by one goroutine at a time; appends are applied in
// the order they acquire the channel.
type Repository struct {
	kv  types.KVStore
	now func() time.Time

	// mu guards minion records and all indexes.
	mu sync.Mutex

	locksMu      sync.Mutex
	channelLocks map[string]*sync.Mutex
}

// NewRepository wraps kv.
func NewRepository(kv types.KVStore) *Repository {
	return &Repository{
		kv:           kv,
		now:          time.Now,
		channelLocks: make(map[string]*sync.Mutex),
	}
}

// KV returns the underlying store.
func (r *Repository) KV() types.KVStore {
	return r.kv
}

func (r *Repository) channelLock(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.channelLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.channelLocks[id] = l
	}
	return l
}

func (r *Repository) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (r *Repository) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.kv.Set(ctx, key, data)
}

func (r *Repository) index(ctx context.Context, key string) ([]string, error) {
	var ids []string
	err := r.getJSON(ctx, key, &ids)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// indexAddLocked and indexRemoveLocked require r.mu.
func (r *Repository) indexAddLocked(ctx context.Context, key, id string) error {
	ids, err := r.index(ctx, key)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return r.putJSON(ctx, key, ids)
}

func (r *Repository) indexRemoveLocked(ctx context.Context, key, id string) error {
	ids, err := r.index(ctx, key)
	if err != nil {
		return err
	}
	i := slices.Index(ids, id)
	if i < 0 {
		return nil
	}
	return r.putJSON(ctx, key, slices.Delete(ids, i, i+1))
}

// =============================================================================
// MINIONS
// =============================================================================

// CreateMinion stores a new minion. Names are unique.
func (r *Repository) CreateMinion(ctx context.Context, m *types.Minion) error {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return errors.New("minion name is required")
	}
	if m.Role == "" {
		m.Role = types.RoleStandard
	}
	if m.Role != types.RoleStandard && m.Role != types.RoleRegulator {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if m.Role == types.RoleRegulator && m.RegulationInterval < 1 {
		return fmt.Errorf("regulator %s needs a regulation interval >= 1", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.kv.Get(ctx, prefixMinion+name); err == nil {
		return fmt.Errorf("minion %s already exists", name)
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	m.Name = name
	if m.Opinions == nil {
		m.Opinions = types.OpinionMap{}
	}
	m.CreatedAt = r.now()
	m.UpdatedAt = m.CreatedAt

	if err := r.putJSON(ctx, prefixMinion+name, m); err != nil {
		return fmt.Errorf("failed to save minion %s: %w", name, err)
	}
	if err := r.indexAddLocked(ctx, indexMinions, name); err != nil {
		return fmt.Errorf("failed to index minion %s: %w", name, err)
	}
	logging.Store("Created minion %s (model %s, role %s)", name, m.Model, m.Role)
	return nil
}

// UpdateMinion replaces a minion's configuration. Opinions and diary are kept
// from the stored record; they change only through UpdateMinionState.
func (r *Repository) UpdateMinion(ctx context.Context, m *types.Minion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stored types.Minion
	if err := r.getJSON(ctx, prefixMinion+m.Name, &stored); err != nil {
		return fmt.Errorf("failed to load minion %s: %w", m.Name, err)
	}
	next := m.Clone()
	next.Opinions = stored.Opinions
	next.Diary = stored.Diary
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = r.now()
	return r.putJSON(ctx, prefixMinion+m.Name, next)
}

// UpdateMinionState persists the outcome of a turn: the full opinion map and
// the plan that produced it.
func (r *Repository) UpdateMinionState(ctx context.Context, name string, opinions types.OpinionMap, diary *types.PerceptionPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var m types.Minion
	if err := r.getJSON(ctx, prefixMinion+name, &m); err != nil {
		return fmt.Errorf("failed to load minion %s: %w", name, err)
	}
	m.Opinions = opinions.Clone()
	if diary != nil {
		m.Diary = diary.Clone()
	}
	m.UpdatedAt = r.now()
	if err := r.putJSON(ctx, prefixMinion+name, &m); err != nil {
		return fmt.Errorf("failed to save minion %s: %w", name, err)
	}
	logging.StoreDebug("Saved state for minion %s (%d opinions)", name, len(m.Opinions))
	return nil
}

// GetMinion loads a minion by name.
func (r *Repository) GetMinion(ctx context.Context, name string) (*types.Minion, error) {
	var m types.Minion
	if err := r.getJSON(ctx, prefixMinion+name, &m); err != nil {
		return nil, err
	}
	if m.Opinions == nil {
		m.Opinions = types.OpinionMap{}
	}
	return &m, nil
}

// ListMinions returns every minion ordered by name.
func (r *Repository) ListMinions(ctx context.Context) ([]*types.Minion, error) {
	names, err := r.index(ctx, indexMinions)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Minion, 0, len(names))
	for _, name := range names {
		m, err := r.GetMinion(ctx, name)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteMinion removes a minion and purges it from every channel's member
// list. Channel failures are collected; the minion record is removed even
// when some channels could not be updated.
func (r *Repository) DeleteMinion(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.kv.Get(ctx, prefixMinion+name); err != nil {
		return fmt.Errorf("failed to load minion %s: %w", name, err)
	}

	channelIDs, err := r.index(ctx, indexChannels)
	if err != nil {
		return err
	}

	var errs error
	for _, id := range channelIDs {
		errs = multierr.Append(errs, r.mutateChannel(ctx, id, func(ch *types.Channel) bool {
			i := slices.Index(ch.Members, name)
			_, hasBaseline := ch.RegulatorBaselines[name]
			if i < 0 && !hasBaseline {
				return false
			}
			if i >= 0 {
				ch.Members = slices.Delete(ch.Members, i, i+1)
			}
			delete(ch.RegulatorBaselines, name)
			return true
		}))
	}

	errs = multierr.Append(errs, r.kv.Delete(ctx, prefixMinion+name))
	errs = multierr.Append(errs, r.indexRemoveLocked(ctx, indexMinions, name))
	if errs != nil {
		logging.StoreError("Deleting minion %s: %v", name, errs)
		return errs
	}
	logging.Store("Deleted minion %s", name)
	return nil
}

// =============================================================================
// CHANNELS
// =============================================================================

// CreateChannel stores a new channel and returns it with its assigned ID.
func (r *Repository) CreateChannel(ctx context.Context, ch *types.Channel) (*types.Channel, error) {
	if strings.TrimSpace(ch.Name) == "" {
		return nil, errors.New("channel name is required")
	}
	if ch.Type == "" {
		ch.Type = types.ChannelGroup
	}
	if !ch.Type.Valid() {
		return nil, fmt.Errorf("invalid channel type %q", ch.Type)
	}

	out := ch.Clone()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.CreatedAt = r.now()
	if out.RegulatorBaselines == nil {
		out.RegulatorBaselines = map[string]int{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.putJSON(ctx, prefixChannel+out.ID, out); err != nil {
		return nil, fmt.Errorf("failed to save channel %s: %w", out.Name, err)
	}
	if err := r.indexAddLocked(ctx, indexChannels, out.ID); err != nil {
		return nil, fmt.Errorf("failed to index channel %s: %w", out.Name, err)
	}
	logging.Store("Created %s channel %s (%s)", out.Type, out.Name, out.ID)
	return out, nil
}

// GetChannel loads a channel by ID.
func (r *Repository) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	var ch types.Channel
	if err := r.getJSON(ctx, prefixChannel+id, &ch); err != nil {
		return nil, err
	}
	if ch.RegulatorBaselines == nil {
		ch.RegulatorBaselines = map[string]int{}
	}
	return &ch, nil
}

// FindChannel resolves a channel by ID or, failing that, by name.
func (r *Repository) FindChannel(ctx context.Context, ref string) (*types.Channel, error) {
	if ch, err := r.GetChannel(ctx, ref); err == nil {
		return ch, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	channels, err := r.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.Name == ref {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("channel %s: %w", ref, types.ErrNotFound)
}

// ListChannels returns every channel ordered by creation time.
func (r *Repository) ListChannels(ctx context.Context) ([]*types.Channel, error) {
	ids, err := r.index(ctx, indexChannels)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := r.GetChannel(ctx, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SystemLogChannel returns the first system-log channel, or ErrNotFound.
func (r *Repository) SystemLogChannel(ctx context.Context) (*types.Channel, error) {
	channels, err := r.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.Type == types.ChannelSystemLog {
			return ch, nil
		}
	}
	return nil, types.ErrNotFound
}

// DeleteChannel removes a channel and its message log.
func (r *Repository) DeleteChannel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.channelLock(id)
	l.Lock()
	defer l.Unlock()

	var errs error
	errs = multierr.Append(errs, r.kv.Delete(ctx, prefixMessages+id))
	errs = multierr.Append(errs, r.kv.Delete(ctx, prefixChannel+id))
	errs = multierr.Append(errs, r.indexRemoveLocked(ctx, indexChannels, id))
	if errs == nil {
		logging.Store("Deleted channel %s", id)
	}
	return errs
}

// mutateChannel applies fn under the channel's lock and saves when fn
// reports a change.
func (r *Repository) mutateChannel(ctx context.Context, id string, fn func(ch *types.Channel) bool) error {
	l := r.channelLock(id)
	l.Lock()
	defer l.Unlock()

	ch, err := r.GetChannel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load channel %s: %w", id, err)
	}
	if !fn(ch) {
		return nil
	}
	if err := r.putJSON(ctx, prefixChannel+id, ch); err != nil {
		return fmt.Errorf("failed to save channel %s: %w", id, err)
	}
	return nil
}

// AddMember adds a participant to a channel. Adding an existing member is a
// no-op.
func (r *Repository) AddMember(ctx context.Context, channelID, name string) error {
	return r.mutateChannel(ctx, channelID, func(ch *types.Channel) bool {
		if ch.HasMember(name) {
			return false
		}
		ch.Members = append(ch.Members, name)
		return true
	})
}

// RemoveMember removes a participant from a channel.
func (r *Repository) RemoveMember(ctx context.Context, channelID, name string) error {
	return r.mutateChannel(ctx, channelID, func(ch *types.Channel) bool {
		i := slices.Index(ch.Members, name)
		if i < 0 {
			return false
		}
		ch.Members = slices.Delete(ch.Members, i, i+1)
		return true
	})
}

// SetAutoMode toggles autonomous mode. A nil delay keeps the current policy.
func (r *Repository) SetAutoMode(ctx context.Context, channelID string, on bool, delay *types.DelayPolicy) error {
	return r.mutateChannel(ctx, channelID, func(ch *types.Channel) bool {
		ch.AutoMode = on
		if delay != nil {
			ch.Delay = *delay
		}
		return true
	})
}

// SetRegulatorBaseline records the counter value at a regulator's report.
func (r *Repository) SetRegulatorBaseline(ctx context.Context, channelID, regulator string, counter int) error {
	return r.mutateChannel(ctx, channelID, func(ch *types.Channel) bool {
		if ch.RegulatorBaselines == nil {
			ch.RegulatorBaselines = map[string]int{}
		}
		ch.RegulatorBaselines[regulator] = counter
		return true
	})
}

// =============================================================================
// MESSAGES
// =============================================================================

// AppendMessage appends msg to its channel's log, assigning an ID and
// timestamp when absent, and advances the channel's message counter for
// conversational chat. It returns the stored message and the channel as it
// stands after the append.
func (r *Repository) AppendMessage(ctx context.Context, msg *types.Message) (*types.Message, *types.Channel, error) {
	if msg.ChannelID == "" {
		return nil, nil, errors.New("message has no channel")
	}

	l := r.channelLock(msg.ChannelID)
	l.Lock()
	defer l.Unlock()

	ch, err := r.GetChannel(ctx, msg.ChannelID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load channel %s: %w", msg.ChannelID, err)
	}

	out := *msg
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = r.now()
	}

	log, err := r.messagesLocked(ctx, ch.ID)
	if err != nil {
		return nil, nil, err
	}
	log = append(log, out)
	if err := r.putJSON(ctx, prefixMessages+ch.ID, log); err != nil {
		return nil, nil, fmt.Errorf("failed to append message: %w", err)
	}

	if out.CountsTowardRegulation() {
		ch.MessageCounter++
		if err := r.putJSON(ctx, prefixChannel+ch.ID, ch); err != nil {
			return nil, nil, fmt.Errorf("failed to save channel %s: %w", ch.ID, err)
		}
	}
	logging.StoreDebug("Appended %s message %s to %s (counter %d)", out.Kind, out.ID, ch.ID, ch.MessageCounter)
	return &out, ch, nil
}

func (r *Repository) messagesLocked(ctx context.Context, channelID string) ([]types.Message, error) {
	var log []types.Message
	err := r.getJSON(ctx, prefixMessages+channelID, &log)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for %s: %w", channelID, err)
	}
	return log, nil
}

// Messages returns a channel's full log in append order.
func (r *Repository) Messages(ctx context.Context, channelID string) ([]types.Message, error) {
	l := r.channelLock(channelID)
	l.Lock()
	defer l.Unlock()
	return r.messagesLocked(ctx, channelID)
}

// RecentMessages returns at most n of the newest messages, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, channelID string, n int) ([]types.Message, error) {
	log, err := r.Messages(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(log) > n {
		log = log[len(log)-n:]
	}
	return log, nil
}

// EditMessage replaces the content of a message.
func (r *Repository) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return r.mutateLog(ctx, channelID, messageID, func(log []types.Message, i int) []types.Message {
		log[i].Content = content
		log[i].Edited = true
		return log
	})
}

// DeleteMessage removes a message from the log. The channel counter is not
// rewound.
func (r *Repository) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return r.mutateLog(ctx, channelID, messageID, func(log []types.Message, i int) []types.Message {
		return slices.Delete(log, i, i+1)
	})
}

func (r *Repository) mutateLog(ctx context.Context, channelID, messageID string, fn func([]types.Message, int) []types.Message) error {
	l := r.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	log, err := r.messagesLocked(ctx, channelID)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(log, func(m types.Message) bool { return m.ID == messageID })
	if i < 0 {
		return fmt.Errorf("message %s: %w", messageID, types.ErrNotFound)
	}
	return r.putJSON(ctx, prefixMessages+channelID, fn(log, i))
}

// =============================================================================
// API KEYS
// =============================================================================

// SaveAPIKey creates or replaces a key, assigning an ID when absent.
func (r *Repository) SaveAPIKey(ctx context.Context, key types.ApiKey) (types.ApiKey, error) {
	if key.Secret == "" {
		return key, errors.New("api key secret is required")
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.putJSON(ctx, prefixAPIKey+key.ID, key); err != nil {
		return key, fmt.Errorf("failed to save api key %s: %w", key.ID, err)
	}
	return key, r.indexAddLocked(ctx, indexAPIKeys, key.ID)
}

// ListAPIKeys returns every stored key ordered by ID.
func (r *Repository) ListAPIKeys(ctx context.Context) ([]types.ApiKey, error) {
	ids, err := r.index(ctx, indexAPIKeys)
	if err != nil {
		return nil, err
	}
	out := make([]types.ApiKey, 0, len(ids))
	for _, id := range ids {
		var k types.ApiKey
		if err := r.getJSON(ctx, prefixAPIKey+id, &k); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// DeleteAPIKey removes a key.
func (r *Repository) DeleteAPIKey(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return multierr.Combine(
		r.kv.Delete(ctx, prefixAPIKey+id),
		r.indexRemoveLocked(ctx, indexAPIKeys, id),
	)
}
