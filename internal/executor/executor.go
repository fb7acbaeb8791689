// Package executor owns all outbound HTTP I/O. Callers hand it requests
// through an unbounded queue and read the outcome from a per-request Reply.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"httpbackend-go/internal/metrics"
	"httpbackend-go/internal/model"
)

// ErrStopped is delivered on replies spawned after Stop.
var ErrStopped = errors.New("executor: stopped")

// replyCapacity bounds the number of undelivered messages per request.
const replyCapacity = 1

type job struct {
	req   model.Request
	reply *Reply
}

// Executor is the long-lived background context for exchanges. One is
// created per module load and torn down on discard.
type Executor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []job
	stopped bool
	wake    chan struct{}

	wg sync.WaitGroup
}

// Start creates the executor and its dispatch loop.
// The metrics parameter is optional; pass nil to disable exchange metrics.
func Start(logger *slog.Logger, m *metrics.Metrics) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		logger:  logger.With("component", "executor"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}

	e.wg.Add(1)
	go e.dispatch()

	e.logger.Debug("executor started")
	return e
}

// Spawn submits req and returns the receiving end of its reply channel.
// It never blocks and is safe to call from any goroutine.
func (e *Executor) Spawn(req model.Request) *Reply {
	reply := NewReply(replyCapacity)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		if req.Body.Kind == model.BodyStream && req.Body.Stream != nil {
			_ = req.Body.Stream.Close()
		}
		reply.ch <- model.ErrorMsg(ErrStopped)
		reply.Finish()
		return reply
	}
	e.queue = append(e.queue, job{req: req, reply: reply})
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return reply
}

// dispatch drains the inbound queue, starting one goroutine per request.
func (e *Executor) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		}

		e.mu.Lock()
		jobs := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, j := range jobs {
			e.wg.Add(1)
			go func(j job) {
				defer e.wg.Done()
				e.exchange(e.ctx, j.req, j.reply)
			}(j)
		}
	}
}

// Stop cancels every running exchange and waits for them to return.
// Requests still queued get ErrStopped.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	e.cancel()
	for _, j := range pending {
		if j.req.Body.Kind == model.BodyStream && j.req.Body.Stream != nil {
			_ = j.req.Body.Stream.Close()
		}
		j.reply.ch <- model.ErrorMsg(ErrStopped)
		j.reply.Finish()
	}
	e.wg.Wait()
	e.logger.Debug("executor stopped")
}
