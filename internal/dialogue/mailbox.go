package dialogue

import (
	"context"
	"sync"
)

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Mailbox queues events per identity. Each identity with pending events gets
// one drain goroutine, so its events run in arrival order and never overlap,
// while different identities run concurrently.
type Mailbox struct {
	Handler Handler
	OnError func(Event, error)

	mu     sync.Mutex
	queues map[int64][]Event
	wg     sync.WaitGroup
}

func NewMailbox(h Handler, onError func(Event, error)) *Mailbox {
	return &Mailbox{Handler: h, OnError: onError, queues: make(map[int64][]Event)}
}

// Post enqueues ev without blocking on its handling.
func (mb *Mailbox) Post(ctx context.Context, ev Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.queues == nil {
		mb.queues = make(map[int64][]Event)
	}
	q, running := mb.queues[ev.Sender]
	mb.queues[ev.Sender] = append(q, ev)
	if running {
		return
	}
	mb.wg.Add(1)
	go mb.drain(ctx, ev.Sender)
}

func (mb *Mailbox) drain(ctx context.Context, id int64) {
	defer mb.wg.Done()
	for {
		mb.mu.Lock()
		q := mb.queues[id]
		if len(q) == 0 {
			delete(mb.queues, id)
			mb.mu.Unlock()
			return
		}
		ev := q[0]
		mb.queues[id] = q[1:]
		mb.mu.Unlock()

		if err := mb.Handler.Handle(ctx, ev); err != nil && mb.OnError != nil {
			mb.OnError(ev, err)
		}
	}
}

// Wait blocks until every queued event has been handled.
func (mb *Mailbox) Wait() {
	mb.wg.Wait()
}
