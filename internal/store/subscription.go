package store

import (
	"context"
	"log"
	"sync"

	"sohbet/internal/models"
)

// Subscription delivers full message snapshots for one session. The first
// snapshot arrives without any write happening; afterwards every change to
// the session's messages triggers a fresh read and a new snapshot.
type Subscription struct {
	updates chan []models.Message
	done    chan struct{}
	cancel  sync.Once
	stop    func()
}

// Updates is closed after Cancel, once the delivery goroutine has stopped.
func (s *Subscription) Updates() <-chan []models.Message {
	return s.updates
}

// Cancel stops delivery. Safe to call more than once and safe to call
// concurrently with a consumer draining Updates.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		close(s.done)
		s.stop()
	})
}

// SubscribeMessages opens a live view on a session's messages. The caller
// owns the returned Subscription and must Cancel it.
func (s *Store) SubscribeMessages(ctx context.Context, accountID, sessionID string) (*Subscription, error) {
	if _, err := s.GetSession(ctx, accountID, sessionID); err != nil {
		return nil, err
	}

	signals, stopWatch := s.notifier.Watch(accountID, sessionID)
	sub := &Subscription{
		updates: make(chan []models.Message, 1),
		done:    make(chan struct{}),
		stop:    stopWatch,
	}

	go func() {
		defer close(sub.updates)
		for {
			msgs, err := s.ListMessages(context.Background(), accountID, sessionID)
			if err != nil {
				// The next signal retries; a cancelled subscription
				// just winds down.
				log.Printf("subscription %s/%s: %v", accountID, sessionID, err)
			} else {
				select {
				case sub.updates <- msgs:
				case <-sub.done:
					return
				}
			}
			select {
			case <-signals:
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}
