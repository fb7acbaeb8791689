// Package relay turns a host's push-style body iteration into the pull-style
// request body an exchange reads from.
package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Push once the exchange stopped reading the body.
var ErrClosed = errors.New("relay: request body closed by exchange")

// Source is a host body iterator. It calls yield once per available buffer
// and stops at the first error yield returns.
type Source func(yield func([]byte) error) error

// Relay hands buffers from the host to the exchange one at a time.
type Relay struct {
	ch chan []byte

	// eof is closed by the host side when iteration ends.
	eof      chan struct{}
	eofErr   error
	eofOnce  sync.Once
	gone     chan struct{}
	goneOnce sync.Once
}

// New returns an open relay.
func New() *Relay {
	return &Relay{
		ch:   make(chan []byte),
		eof:  make(chan struct{}),
		gone: make(chan struct{}),
	}
}

// Push copies buf and blocks until the exchange takes it, keeping at most one
// buffer in flight. It returns ErrClosed if the exchange already gave up.
func (r *Relay) Push(buf []byte) error {
	return r.PushContext(context.Background(), buf)
}

// PushContext is Push that gives up with ctx's error when ctx is done.
func (r *Relay) PushContext(ctx context.Context, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	b := bytes.Clone(buf)
	select {
	case <-r.gone:
		return ErrClosed
	default:
	}
	select {
	case r.ch <- b:
		return nil
	case <-r.gone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals end of body.
func (r *Relay) Close() {
	r.CloseWithError(nil)
}

// CloseWithError ends the body with err instead of io.EOF.
func (r *Relay) CloseWithError(err error) {
	r.eofOnce.Do(func() {
		r.eofErr = err
		close(r.eof)
	})
}

// Reader returns the exchange side of the relay.
func (r *Relay) Reader() io.ReadCloser {
	return &reader{r: r}
}

// Feed pushes everything src yields through r and closes r. A source error
// other than ErrClosed is passed on to the exchange as a body read error.
// Feed stops waiting on the exchange once ctx is done.
func Feed(ctx context.Context, r *Relay, src Source) error {
	err := src(func(buf []byte) error { return r.PushContext(ctx, buf) })
	if err != nil && !errors.Is(err, ErrClosed) {
		r.CloseWithError(err)
		return err
	}
	r.Close()
	return err
}

// ReaderSource adapts an io.Reader into a Source yielding buffers of up to size bytes.
func ReaderSource(rd io.Reader, size int) Source {
	return func(yield func([]byte) error) error {
		buf := make([]byte, size)
		for {
			n, err := rd.Read(buf)
			if n > 0 {
				if yerr := yield(buf[:n]); yerr != nil {
					return yerr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

type reader struct {
	r       *Relay
	pending []byte
}

func (rd *reader) Read(p []byte) (int, error) {
	if len(rd.pending) == 0 {
		select {
		case b := <-rd.r.ch:
			rd.pending = b
		case <-rd.r.eof:
			// Push never runs concurrently with Close, so nothing is left in ch.
			if rd.r.eofErr != nil {
				return 0, rd.r.eofErr
			}
			return 0, io.EOF
		case <-rd.r.gone:
			return 0, ErrClosed
		}
	}
	n := copy(p, rd.pending)
	rd.pending = rd.pending[n:]
	return n, nil
}

// Close tells the host side to stop pushing.
func (rd *reader) Close() error {
	rd.r.goneOnce.Do(func() { close(rd.r.gone) })
	return nil
}
