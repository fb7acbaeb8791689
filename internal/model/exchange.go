// Package model defines the values passed between callers and the background executor.
package model

import (
	"io"
	"net/http"
)

// HeaderPair is one request header. Requests keep them as an ordered slice so
// duplicates and insertion order survive until the request is assembled.
type HeaderPair struct {
	Name  string
	Value string
}

// BodyKind tells which body source a Request carries.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyFull
	BodyStream
)

// Body is the request body: absent, fully buffered, or a stream the exchange pulls from.
type Body struct {
	Kind   BodyKind
	Full   []byte
	Stream io.ReadCloser
}

// NoBody returns an absent body.
func NoBody() Body { return Body{Kind: BodyNone} }

// FullBody returns a body backed by b.
func FullBody(b []byte) Body { return Body{Kind: BodyFull, Full: b} }

// StreamBody returns a body read incrementally from r. The exchange closes r.
func StreamBody(r io.ReadCloser) Body { return Body{Kind: BodyStream, Stream: r} }

// Request describes one outbound exchange. It is consumed exactly once by the executor.
type Request struct {
	Method  string
	URL     string
	Headers []HeaderPair
	Body    Body

	// Buffered requests get status, headers and the whole body in a single
	// message. Unbuffered ones get a header message followed by chunks.
	Buffered bool

	Client *http.Client
}

// Response is the captured upstream response. Body is only set for buffered requests.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// MsgKind identifies a message on a reply channel.
type MsgKind int

const (
	MsgHeader MsgKind = iota
	MsgChunk
	MsgError
)

func (k MsgKind) String() string {
	switch k {
	case MsgHeader:
		return "header"
	case MsgChunk:
		return "chunk"
	case MsgError:
		return "error"
	default:
		return "unknown"
	}
}

// Msg is one message sent by an exchange to its caller.
type Msg struct {
	Kind  MsgKind
	Resp  *Response
	Chunk []byte
	Err   error
}

// HeaderMsg wraps a response.
func HeaderMsg(r *Response) Msg { return Msg{Kind: MsgHeader, Resp: r} }

// ChunkMsg wraps one body chunk.
func ChunkMsg(b []byte) Msg { return Msg{Kind: MsgChunk, Chunk: b} }

// ErrorMsg wraps a terminal error.
func ErrorMsg(err error) Msg { return Msg{Kind: MsgError, Err: err} }
