// ABOUTME: Bounded, time-limited set of processed propagation ids
// ABOUTME: Stops gossip rounds from re-triggering each other around cycles

package mesh

import (
	"container/list"
	"sync"
	"time"
)

type propagationEntry struct {
	markedAt time.Time
	element  *list.Element
}

// PropagationLog remembers propagation ids for ttl, holding at most maxSize.
// The oldest id is evicted first when full.
type PropagationLog struct {
	mu      sync.Mutex
	seen    map[string]*propagationEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewPropagationLog creates a log and starts its expiry goroutine.
func NewPropagationLog(ttl time.Duration, maxSize int) *PropagationLog {
	if maxSize <= 0 {
		maxSize = 1
	}
	p := &PropagationLog{
		seen:    make(map[string]*propagationEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go p.cleanup()
	return p
}

// CheckAndMark reports whether id was already processed. An unseen or expired
// id is marked and false is returned. The check and the mark are atomic.
func (p *PropagationLog) CheckAndMark(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if e, ok := p.seen[id]; ok {
		if now.Sub(e.markedAt) < p.ttl {
			return true
		}
		e.markedAt = now
		p.order.MoveToBack(e.element)
		return false
	}

	if len(p.seen) >= p.maxSize {
		p.evictOldest()
	}
	p.seen[id] = &propagationEntry{markedAt: now, element: p.order.PushBack(id)}
	return false
}

// Len returns the number of remembered ids, expired or not.
func (p *PropagationLog) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// Must be called with mu held.
func (p *PropagationLog) evictOldest() {
	front := p.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	p.order.Remove(front)
	delete(p.seen, id)
}

func (p *PropagationLog) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.expire()
		case <-p.done:
			return
		}
	}
}

// expire drops ids older than ttl. Entries are in mark order, so it stops at
// the first live one.
func (p *PropagationLog) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for e := p.order.Front(); e != nil; {
		id, _ := e.Value.(string)
		entry := p.seen[id]
		if now.Sub(entry.markedAt) < p.ttl {
			return
		}
		next := e.Next()
		p.order.Remove(e)
		delete(p.seen, id)
		e = next
	}
}

// Close stops the expiry goroutine. Safe to call more than once.
func (p *PropagationLog) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.done)
		p.closed = true
	}
}
