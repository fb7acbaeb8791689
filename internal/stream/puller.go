// Package stream delivers a streaming exchange's body to a pull-based consumer.
package stream

import (
	"errors"
	"fmt"
	"io"

	"httpbackend-go/internal/executor"
	"httpbackend-go/internal/model"
)

// Result is the outcome of one Pull.
type Result int

const (
	// PullOK means the buffer was filled and more data may follow.
	PullOK Result = iota
	// PullEnd means the body is complete; the returned count is final.
	PullEnd
	// PullErr means the exchange failed mid-stream.
	PullErr
)

func (r Result) String() string {
	switch r {
	case PullOK:
		return "ok"
	case PullEnd:
		return "end"
	case PullErr:
		return "error"
	default:
		return "unknown"
	}
}

// errStreamFailed stands in when an error message carries no error.
var errStreamFailed = errors.New("stream: exchange failed")

// Puller drains chunk messages from a reply after its header message was consumed.
type Puller struct {
	reply *executor.Reply

	chunk  []byte
	cursor int

	ended bool
	err   error
}

// New returns a Puller reading body chunks from reply.
func New(reply *executor.Reply) *Puller {
	return &Puller{reply: reply}
}

// Pull copies body bytes into buf. It blocks for the next chunk only while
// buf has room, so it never returns more than len(buf) bytes and never waits
// once buf is full. Unconsumed chunk bytes are kept for the next call.
func (p *Puller) Pull(buf []byte) (int, Result) {
	n := 0
	for {
		if p.err != nil {
			return n, PullErr
		}
		if n == len(buf) {
			return n, PullOK
		}

		if p.chunk == nil {
			if p.ended {
				return n, PullEnd
			}
			msg, ok := p.reply.Recv()
			if !ok {
				p.ended = true
				return n, PullEnd
			}
			switch msg.Kind {
			case model.MsgChunk:
				p.chunk = msg.Chunk
				p.cursor = 0
			case model.MsgError:
				p.err = msg.Err
				if p.err == nil {
					p.err = errStreamFailed
				}
				return n, PullErr
			default:
				panic(fmt.Sprintf("stream: invalid %s message while streaming body", msg.Kind))
			}
		}

		c := copy(buf[n:], p.chunk[p.cursor:])
		p.cursor += c
		n += c
		if p.cursor == len(p.chunk) {
			p.chunk = nil
			p.cursor = 0
		}
	}
}

// Err returns the mid-stream error, if any.
func (p *Puller) Err() error {
	return p.err
}

// Read implements io.Reader on top of Pull.
func (p *Puller) Read(b []byte) (int, error) {
	n, res := p.Pull(b)
	switch res {
	case PullEnd:
		return n, io.EOF
	case PullErr:
		return n, p.err
	default:
		return n, nil
	}
}

// Close releases the stream. A still-running exchange stops delivering.
func (p *Puller) Close() error {
	p.reply.Close()
	return nil
}
