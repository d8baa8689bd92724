package gifts

// EventKind tags a lifecycle event.
type EventKind string

const (
	EventRecordAdded   EventKind = "record.added"
	EventRecordClaimed EventKind = "record.claimed"
	EventRecordExpired EventKind = "record.expired"
)

// LifecycleEvent is emitted after a transition has been committed to storage.
// Actor is the claimer for claimed records and empty otherwise.
type LifecycleEvent struct {
	Kind   EventKind `json:"kind"`
	Record Record    `json:"record"`
	Actor  string    `json:"actor,omitempty"`
	At     int64     `json:"at"`
}

// Bus receives lifecycle events. Publish must not block on slow consumers.
type Bus interface {
	Publish(event LifecycleEvent)
}

// BusFunc adapts a function to the Bus interface.
type BusFunc func(LifecycleEvent)

func (f BusFunc) Publish(event LifecycleEvent) {
	if f != nil {
		f(event)
	}
}

// NopBus drops every event.
type NopBus struct{}

func (NopBus) Publish(LifecycleEvent) {}

// Notice is a user-facing message addressed to a recipient.
type Notice struct {
	Key       string `json:"key"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// Notifier delivers notices to a recipient's active sessions.
type Notifier interface {
	Notify(notice Notice)
}

// NopNotifier drops every notice.
type NopNotifier struct{}

func (NopNotifier) Notify(Notice) {}
