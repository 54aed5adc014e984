package memory

import (
	"github.com/rcliao/vecmem/internal/model"
)

// Subscribe returns a channel of memory events and a cancel func. Events are
// dropped, never queued, when the subscriber's buffer is full.
func (m *Store) Subscribe(buffer int) (<-chan model.MemoryEvent, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan model.MemoryEvent, buffer)

	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Store) publish(kind model.EventKind, id, reason string) {
	ev := model.MemoryEvent{Kind: kind, ID: id, Reason: reason, At: m.now()}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sid, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.metrics.eventsDropped.Add(1)
			m.log.Debug("dropped event for slow subscriber", "subscriber", sid, "kind", kind, "id", id)
		}
	}
}

func (m *Store) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}
