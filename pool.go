package dla

import (
	"fmt"
	"sync"
)

// queuePool hands out queue identifiers from a fixed table. IDs are reused
// lowest-first so queue numbering stays dense across open/close churn, which
// keeps the 16-bit queue field of task ids small and dump output stable.
type queuePool struct {
	engine *Engine

	mu    sync.Mutex
	slots []*Queue // nil entries are free
}

func newQueuePool(e *Engine, max int) *queuePool {
	return &queuePool{
		engine: e,
		slots:  make([]*Queue, max),
	}
}

func (p *queuePool) open() (*Queue, error) {
	e := p.engine

	counterID, err := e.services.Counters.Alloc()
	if err != nil {
		return nil, WrapError("open_queue", err)
	}

	p.mu.Lock()
	id := -1
	for i, q := range p.slots {
		if q == nil {
			id = i
			break
		}
	}
	if id < 0 {
		p.mu.Unlock()
		e.services.Counters.Release(counterID)
		return nil, NewError("open_queue", CodeResourceExhausted,
			fmt.Sprintf("all %d queues in use", len(p.slots)))
	}
	q := newQueue(e, id, counterID)
	p.slots[id] = q
	p.mu.Unlock()

	e.log.WithQueue(id).Debug("queue opened", "counter", counterID)
	return q, nil
}

// release returns the id and counter once the queue's last reference drops.
func (p *queuePool) release(q *Queue) {
	p.mu.Lock()
	p.slots[q.id] = nil
	p.mu.Unlock()

	p.engine.services.Counters.Release(q.counterID)
	p.engine.log.WithQueue(q.id).Debug("queue released", "counter", q.counterID)
}

// inUse reports how many queue slots are currently allocated.
func (p *queuePool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, q := range p.slots {
		if q != nil {
			n++
		}
	}
	return n
}

// snapshot copies out the live queues in id order. The pointers are not
// pinned: a queue released after the copy simply has nothing in flight, and
// every Queue method tolerates that.
func (p *queuePool) snapshot() []*Queue {
	p.mu.Lock()
	defer p.mu.Unlock()

	queues := make([]*Queue, 0, len(p.slots))
	for _, q := range p.slots {
		if q != nil {
			queues = append(queues, q)
		}
	}
	return queues
}
