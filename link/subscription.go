package link

import (
	"encoding/json"
)

// EventListener receives the encoded payload of one event occurrence
type EventListener func(data json.RawMessage)

// subscriptionRecord is one listener registration in the link's tables.
// Records are owned by the link alone; user code only ever holds a
// Subscription handle pointing back at it by id.
type subscriptionRecord struct {
	name    string
	id      uint64
	handler EventListener
}

// Subscription is the user-held handle for one registered event listener.
// Cancelling removes the listener; when the last listener for an event is
// removed the peer is sent an unsubscribe message. Cancel is idempotent,
// safe after the link has died, and must be called when the listener's
// owner goes away so no callback fires on freed state.
type Subscription struct {
	link *Link
	name string
	id   uint64
}

// Event returns the event name the subscription listens for
func (s *Subscription) Event() string {
	return s.name
}

// Cancel removes the listener registration. The first call may produce an
// unsubscribe message; repeated calls and calls on a dead link do nothing.
func (s *Subscription) Cancel() {
	if s == nil || s.link == nil {
		return
	}
	s.link.removeEventSubscription(s.name, s.id)
}

// addEventSubscriptionLocked registers a listener and activates the event
// if this is its first listener. Caller holds l.mu.
func (l *Link) addEventSubscriptionLocked(name string, fn EventListener) *Subscription {
	l.subIDCounter++
	id := l.subIDCounter

	record := &subscriptionRecord{name: name, id: id, handler: fn}
	l.subsByID[id] = record
	l.subsByEvent[name] = append(l.subsByEvent[name], id)

	if _, active := l.activeIncoming[name]; !active {
		l.activeIncoming[name] = struct{}{}
		// before authentication the subscribe message is deferred; the
		// transition to Authenticated flushes it
		if l.authDone() {
			l.sendEventSubscribe(name)
		}
	}

	return &Subscription{link: l, name: name, id: id}
}

// removeEventSubscription deactivates one listener registration and, if it
// was the last listener for the event, deactivates the event towards the
// peer. Unknown ids are ignored so cancellation stays idempotent.
func (l *Link) removeEventSubscription(name string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return
	}
	if _, ok := l.subsByID[id]; !ok {
		return
	}
	delete(l.subsByID, id)

	ids := l.subsByEvent[name]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) > 0 {
		l.subsByEvent[name] = ids
		return
	}

	delete(l.subsByEvent, name)
	delete(l.activeIncoming, name)
	if l.authDone() {
		l.sendEventUnsubscribe(name)
	}
}

// listenersForLocked snapshots the handlers registered for an event in
// registration order. Caller holds l.mu; the snapshot is invoked after the
// lock is released so user code never runs under it.
func (l *Link) listenersForLocked(name string) []EventListener {
	ids := l.subsByEvent[name]
	handlers := make([]EventListener, 0, len(ids))
	for _, id := range ids {
		if record, ok := l.subsByID[id]; ok && record.handler != nil {
			handlers = append(handlers, record.handler)
		}
	}
	return handlers
}
