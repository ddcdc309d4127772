package orchestrator

import (
	"context"
	"sync"

	"legion/internal/types"
)

// turnSlot is a per-minion mutex using a buffered channel, so waiting can
// be abandoned when the context ends.
type turnSlot struct {
	ch chan struct{}
}

func newTurnSlot() *turnSlot {
	s := &turnSlot{ch: make(chan struct{}, 1)}
	s.ch <- struct{}{} // initially free
	return s
}

// acquire takes the slot. With wait false it fails immediately with
// types.ErrTurnSlotBusy when the slot is held.
func (s *turnSlot) acquire(ctx context.Context, wait bool) error {
	if !wait {
		select {
		case <-s.ch:
			return nil
		default:
			return types.ErrTurnSlotBusy
		}
	}
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *turnSlot) release() {
	s.ch <- struct{}{}
}

type slotTable struct {
	slots sync.Map // minion name -> *turnSlot
}

func (t *slotTable) get(name string) *turnSlot {
	v, _ := t.slots.LoadOrStore(name, newTurnSlot())
	return v.(*turnSlot)
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}
