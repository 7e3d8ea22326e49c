package worker

import (
	"sync"
	"time"
)

// Pool is an elastic goroutine pool. Workers are spawned on demand up to max,
// parked when idle, and retired after sitting unused past the idle timeout
// while more than min remain.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan func()]*workerMeta
	min      int
	max      int
	running  int
	expiry   time.Duration
}

type workerMeta struct {
	ch        chan func()
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

const defaultWorkerIdle = 30 * time.Second

func NewPool(minWorkers, maxWorkers int, idle time.Duration) *Pool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &Pool{
		metadata: make(map[chan func()]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < minWorkers; i++ {
		p.spawnWorker()
	}
	go p.purgeStaleWorkers()
	return p
}

// Submit hands fn to an idle worker, spawning one if the pool is below max,
// and blocks while every worker is busy.
func (p *Pool) Submit(fn func()) {
	p.acquire() <- fn
}

func (p *Pool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max {
		p.mu.Unlock()
		return
	}
	ch := p.startWorkerLocked()
	p.mu.Unlock()
	p.release(ch)
}

func (p *Pool) startWorkerLocked() chan func() {
	ch := make(chan func())
	p.metadata[ch] = &workerMeta{ch: ch}
	p.running++
	go p.runWorker(ch)
	return ch
}

func (p *Pool) runWorker(ch chan func()) {
	for fn := range ch {
		if fn == nil {
			p.retire(ch)
			return
		}
		fn()
		p.release(ch)
	}
}

// acquire returns an idle worker channel, or spawns a new one.
func (p *Pool) acquire() chan func() {
	for {
		p.mu.Lock()
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta.ch
		}
		if p.running < p.max {
			ch := p.startWorkerLocked()
			p.mu.Unlock()
			return ch
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

// release parks a worker back into the idle queue.
func (p *Pool) release(ch chan func()) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *Pool) retire(ch chan func()) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

// purgeStaleWorkers retires expired idle workers on each tick.
func (p *Pool) purgeStaleWorkers() {
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		<-ticker.C
		p.shutdownExpired()
	}
}

func (p *Pool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- nil
	}
}
