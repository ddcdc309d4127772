package orchestrator

import "legion/internal/types"

// EventKind names a lifecycle event.
type EventKind string

const (
	EventProcessingStarted EventKind = "minion-processing-started"
	EventProcessingStopped EventKind = "minion-processing-stopped"
	EventMessageAppended   EventKind = "message-appended"
	EventMessageChunk      EventKind = "message-chunk"
	EventRegulatorReport   EventKind = "regulator-report-appended"
	EventSystemError       EventKind = "system-error"
)

// Event is one lifecycle notification for the presentation layer.
type Event struct {
	Kind      EventKind
	ChannelID string

	// Processing events.
	Minion     string
	Processing bool

	// Message events.
	Message *types.Message

	// Chunk events.
	MessageID string
	Chunk     string
}

// Listener receives events synchronously, in emission order. It must not
// call back into the orchestrator.
type Listener func(Event)

// Subscribe registers l for all future events.
func (o *Orchestrator) Subscribe(l Listener) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	o.listeners = append(o.listeners, l)
}

func (o *Orchestrator) emit(ev Event) {
	o.listenersMu.RLock()
	listeners := o.listeners
	o.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// eventFor classifies an appended message.
func eventFor(msg *types.Message) EventKind {
	switch {
	case msg.Kind == types.MessageRegulatorReport:
		return EventRegulatorReport
	case msg.IsError:
		return EventSystemError
	default:
		return EventMessageAppended
	}
}
