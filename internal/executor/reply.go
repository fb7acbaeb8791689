package executor

import (
	"context"
	"sync"

	"httpbackend-go/internal/model"
)

// Reply is the per-request channel between an exchange and its caller.
//
// The exchange side calls Send and Finish. The caller side calls Recv until
// it sees a terminal message or closure, and Close when it stops caring;
// after Close every Send reports false and the exchange simply gives up
// delivering. Closing is abandonment, not cancellation.
type Reply struct {
	ch   chan model.Msg
	done chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewReply returns a reply channel holding at most capacity undelivered messages.
func NewReply(capacity int) *Reply {
	return &Reply{
		ch:   make(chan model.Msg, capacity),
		done: make(chan struct{}),
	}
}

// Recv blocks for the next message. ok is false once the exchange finished
// and every message has been received.
func (r *Reply) Recv() (model.Msg, bool) {
	msg, ok := <-r.ch
	return msg, ok
}

// RecvContext is Recv that gives up when ctx is done.
func (r *Reply) RecvContext(ctx context.Context) (model.Msg, bool, error) {
	select {
	case msg, ok := <-r.ch:
		return msg, ok, nil
	case <-ctx.Done():
		return model.Msg{}, false, ctx.Err()
	}
}

// Close abandons the reply. Safe to call more than once.
func (r *Reply) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Abandoned reports whether the receiving side called Close.
func (r *Reply) Abandoned() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Send delivers msg, blocking while the channel is full. It returns false
// when the receiver abandoned the reply, or when ctx is done and there is
// no room left.
func (r *Reply) Send(ctx context.Context, msg model.Msg) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	// A free slot wins over a done ctx so a final error is not dropped on Stop.
	select {
	case r.ch <- msg:
		return true
	default:
	}
	select {
	case r.ch <- msg:
		return true
	case <-r.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish closes the channel; the receiver reads it as end of stream.
func (r *Reply) Finish() {
	r.finishOnce.Do(func() { close(r.ch) })
}
