package redisx

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const defaultPublishTimeout = 3 * time.Second

// Notifier broadcasts message-collection change signals over redis pub/sub so
// live subscriptions see writes made by other processes. It implements the
// store's Notifier interface.
type Notifier struct {
	client *Client
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

func changeChannel(accountID, sessionID string) string {
	return fmt.Sprintf("sohbet:msg:%s:%s", accountID, sessionID)
}

// Notify publishes a change signal. Failures are logged, not returned: a
// missed signal only delays a snapshot, it never loses data.
func (n *Notifier) Notify(accountID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, changeChannel(accountID, sessionID), "1"); err != nil {
		log.Printf("notify %s/%s: %v", accountID, sessionID, err)
	}
}

// Watch subscribes to change signals for one session. The returned cancel
// releases the underlying pub/sub; it is safe to call more than once.
func (n *Notifier) Watch(accountID, sessionID string) (<-chan struct{}, func()) {
	sub := n.client.Subscribe(context.Background(), changeChannel(accountID, sessionID))
	signals := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(signals)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				// Coalesce bursts: one pending signal is enough.
				select {
				case signals <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return signals, cancel
}
