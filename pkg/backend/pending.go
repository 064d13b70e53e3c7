package backend

import (
	"sync"
)

// callResult is delivered to exactly one waiting caller.
type callResult struct {
	msg *Message
	err error
}

// pendingTable correlates outgoing request ids with waiting callers. It is
// owned by one connection; ids are monotone and never reused.
type pendingTable struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]chan callResult
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[uint64]chan callResult)}
}

// add registers a new pending request. It fails with ErrOverloaded when the
// table holds MaxPendingRequests entries, and with ErrCanceled after close.
func (p *pendingTable) add() (uint64, chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, nil, ErrCanceled
	}
	if len(p.waiters) >= MaxPendingRequests {
		return 0, nil, ErrOverloaded
	}

	p.nextID++
	id := p.nextID
	ch := make(chan callResult, 1)
	p.waiters[id] = ch
	return id, ch, nil
}

// resolve delivers a response to the caller waiting on id. Unknown ids are
// ignored; the peer may answer after the deadline already fired.
func (p *pendingTable) resolve(id uint64, msg *Message) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if ok {
		ch <- callResult{msg: msg}
	}
}

// remove drops a pending entry without delivering anything. Used when the
// caller's deadline fires or its context is canceled.
func (p *pendingTable) remove(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// failAll delivers err to every waiter and rejects future adds. Called on
// connection stop or fatal peer error.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]chan callResult)
	p.closed = true
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- callResult{err: err}
	}
}

// size returns the number of in-flight requests.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
