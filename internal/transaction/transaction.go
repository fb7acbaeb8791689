// Package transaction tracks named request/response exchanges issued by
// synchronous callers. A transaction starts Unsent, becomes Sent once handed
// to the executor, and Resolved when the outcome has been received.
package transaction

import (
	"errors"
	"fmt"
	"sync"

	"httpbackend-go/internal/executor"
	"httpbackend-go/internal/model"
)

// errAborted is recorded when an exchange finished without a terminal message.
var errAborted = errors.New("exchange aborted before a response was received")

// state is one of unsent, sent or resolved.
type state interface {
	name() string
}

type unsent struct {
	req model.Request
}

type sent struct {
	reply *executor.Reply
}

type resolved struct {
	resp *model.Response
	err  error
}

func (unsent) name() string   { return "unsent" }
func (sent) name() string     { return "sent" }
func (resolved) name() string { return "resolved" }

// Transaction is one named exchange.
type Transaction struct {
	mu    sync.Mutex
	state state
}

func newTransaction(req model.Request) *Transaction {
	return &Transaction{state: unsent{req: req}}
}

// swap replaces the state and returns the previous one. Callers hold t.mu.
func (t *Transaction) swap(next state) state {
	prev := t.state
	t.state = next
	return prev
}

// mutate runs fn on the pending request. It fails unless the transaction is unsent.
func (t *Transaction) mutate(fn func(req *model.Request)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state.(unsent)
	if !ok {
		return false
	}
	fn(&st.req)
	t.swap(st)
	return true
}

// send hands the request to sp. It fails unless the transaction is unsent.
func (t *Transaction) send(sp Spawner) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state.(unsent)
	if !ok {
		return false
	}
	t.swap(sent{reply: sp.Spawn(st.req)})
	return true
}

// resolve forces the transaction to Resolved, sending and blocking as needed.
func (t *Transaction) resolve(sp Spawner) resolved {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		switch st := t.state.(type) {
		case unsent:
			t.swap(sent{reply: sp.Spawn(st.req)})
		case sent:
			t.swap(await(st.reply))
		case resolved:
			return st
		default:
			panic(fmt.Sprintf("transaction: unknown state %T", st))
		}
	}
}

// await blocks for the terminal message of a buffered exchange.
func await(reply *executor.Reply) resolved {
	defer reply.Close()

	msg, ok := reply.Recv()
	if !ok {
		return resolved{err: errAborted}
	}
	switch msg.Kind {
	case model.MsgHeader:
		return resolved{resp: msg.Resp}
	case model.MsgError:
		return resolved{err: msg.Err}
	default:
		panic(fmt.Sprintf("transaction: unexpected %s message on a buffered exchange", msg.Kind))
	}
}

// abandon drops interest in an in-flight exchange.
func (t *Transaction) abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.state.(sent); ok {
		st.reply.Close()
	}
	if st, ok := t.state.(unsent); ok && st.req.Body.Kind == model.BodyStream && st.req.Body.Stream != nil {
		_ = st.req.Body.Stream.Close()
	}
}

// State returns the name of the current state, for diagnostics.
func (t *Transaction) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.name()
}
