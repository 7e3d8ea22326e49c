package store

import "sync"

// Notifier carries message-collection change signals from writers to live
// subscriptions. The redis-backed implementation covers multi-process
// deployments; LocalNotifier covers a single process and tests.
type Notifier interface {
	Notify(accountID, sessionID string)
	Watch(accountID, sessionID string) (signals <-chan struct{}, cancel func())
}

type watchKey struct {
	accountID string
	sessionID string
}

// LocalNotifier is an in-process fan-out hub.
type LocalNotifier struct {
	mu       sync.Mutex
	watchers map[watchKey]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{watchers: make(map[watchKey]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(accountID, sessionID string) {
	key := watchKey{accountID, sessionID}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers[key] {
		// Coalesce: a watcher with a pending signal needs nothing more.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *LocalNotifier) Watch(accountID, sessionID string) (<-chan struct{}, func()) {
	key := watchKey{accountID, sessionID}
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	set, ok := n.watchers[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.watchers[key] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			if set, ok := n.watchers[key]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.watchers, key)
				}
			}
			n.mu.Unlock()
		})
	}
	return ch, cancel
}
