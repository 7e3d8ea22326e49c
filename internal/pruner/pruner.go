// Package pruner removes accounts that never verified their email address.
// It runs out of band on a timer and only ever talks to the identity
// directory.
package pruner

import (
	"context"
	"log"
	"sync"
	"time"

	"sohbet/internal/models"
	"sohbet/internal/worker"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultGrace    = 5 * time.Minute
	DefaultPageSize = 1000
)

// Directory is the administrative slice of the identity service the pruner
// needs: page through every account and delete one by id.
type Directory interface {
	ListAccounts(ctx context.Context, pageSize int, pageToken string) ([]models.Account, string, error)
	DeleteAccount(ctx context.Context, id string) error
}

// Pruner deletes unverified accounts older than the grace window. Each tick
// is best effort: individual delete failures are logged and retried
// naturally on the next tick, with no retry state kept in between.
type Pruner struct {
	dir      Directory
	pool     *worker.Pool
	interval time.Duration
	grace    time.Duration
	pageSize int
}

func New(dir Directory, pool *worker.Pool, interval, grace time.Duration, pageSize int) *Pruner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Pruner{
		dir:      dir,
		pool:     pool,
		interval: interval,
		grace:    grace,
		pageSize: pageSize,
	}
}

// Start launches the prune loop. It stops when ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Pruner) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				log.Printf("prune unverified accounts: %v", err)
			}
		}
	}
}

// RunOnce scans the whole directory page by page and deletes every
// unverified account older than the grace window. A listing failure aborts
// the pass; delete failures do not.
func (p *Pruner) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-p.grace)

	var (
		scanned int
		deleted int
	)
	pageToken := ""
	for {
		accounts, next, err := p.dir.ListAccounts(ctx, p.pageSize, pageToken)
		if err != nil {
			return err
		}
		scanned += len(accounts)

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, acct := range accounts {
			if acct.EmailVerified || !acct.CreatedAt.Before(cutoff) {
				continue
			}
			acct := acct
			wg.Add(1)
			run := func() {
				defer wg.Done()
				if err := p.dir.DeleteAccount(ctx, acct.ID); err != nil {
					log.Printf("delete unverified account %s: %v", acct.ID, err)
					return
				}
				mu.Lock()
				deleted++
				mu.Unlock()
			}
			if p.pool != nil {
				p.pool.Submit(run)
			} else {
				go run()
			}
		}
		wg.Wait()

		if next == "" {
			break
		}
		pageToken = next
	}

	if deleted > 0 {
		log.Printf("pruned %d of %d scanned accounts", deleted, scanned)
	}
	return nil
}
