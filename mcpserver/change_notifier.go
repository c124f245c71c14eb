package mcpserver

import "sync"

// ChangeNotifier is a small in-process pub-sub used by the capability
// registries to signal that their listing changed, so that list_changed
// notifications can be fanned out to connected sessions.
type ChangeNotifier struct {
	mu          sync.RWMutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every subscriber that the watched list changed. Sends are
// non-blocking; a subscriber that has not drained its previous signal is not
// signalled again, which is fine because the signal is a level, not a count.
func (cn *ChangeNotifier) Notify() {
	cn.mu.RLock()
	defer cn.mu.RUnlock()

	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscriber returns a buffered channel that receives a signal whenever
// Notify is called. After Close the returned channel is already closed.
func (cn *ChangeNotifier) Subscriber() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if cn.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	ch := make(chan struct{}, 1)
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	subs := cn.subscribers
	cn.subscribers = nil
	cn.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
