package callapi

import "sync"

// ListenerHandle идентификатор зарегистрированного слушателя
type ListenerHandle uint64

type listenerEntry struct {
	handle   ListenerHandle
	listener Listener
}

// listenerRegistry реестр слушателей. Уведомление идет по снимку,
// поэтому слушателя можно удалить прямо из его обработчика.
type listenerRegistry struct {
	mu      sync.RWMutex
	next    ListenerHandle
	entries []listenerEntry
}

func (r *listenerRegistry) add(l Listener) ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, listenerEntry{handle: r.next, listener: l})
	return r.next
}

func (r *listenerRegistry) remove(h ListenerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *listenerRegistry) snapshot() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.listener
	}
	return out
}
