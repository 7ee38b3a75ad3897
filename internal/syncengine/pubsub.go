package syncengine

import "possync/internal/model"

// Category the subscription channels exposed by the engine. Single relayed
// events land on their per-type category; backlog batches land on
// CategoryBulkSync as one slice.
type Category string

const (
	CategoryOrderCreated Category = "order-created"
	CategoryOrderUpdated Category = "order-updated"
	CategoryBulkSync     Category = "bulk-sync"
)

// Handler receives events for a category. Relayed single events arrive as a
// one-element slice.
type Handler func(events []model.Event)

func categoryOf(eventType string) (Category, bool) {
	switch eventType {
	case model.EventOrderCreated:
		return CategoryOrderCreated, true
	case model.EventOrderUpdated:
		return CategoryOrderUpdated, true
	default:
		return "", false
	}
}

// Subscribe registers a handler for a category and returns its unsubscribe
// function. Multiple handlers per category are supported.
func (e *Engine) Subscribe(category Category, fn Handler) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if e.subs[category] == nil {
		e.subs[category] = make(map[int]Handler)
	}
	id := e.nextSubID
	e.nextSubID++
	e.subs[category][id] = fn

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.subs[category], id)
	}
}

// publish snapshots the handler set before invoking so a handler may
// unsubscribe itself without deadlocking.
func (e *Engine) publish(category Category, events []model.Event) {
	e.subMu.RLock()
	handlers := make([]Handler, 0, len(e.subs[category]))
	for _, fn := range e.subs[category] {
		handlers = append(handlers, fn)
	}
	e.subMu.RUnlock()

	for _, fn := range handlers {
		fn(events)
	}
}
