package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// Pipe returns two connected in-memory Conns. Closing one end makes the
// other end report a CloseError with ByPeer set.
func Pipe() (Conn, Conn) {
	aToB := make(chan Message, sendBufferSize)
	bToA := make(chan Message, sendBufferSize)
	a := &pipeSide{done: make(chan struct{})}
	b := &pipeSide{done: make(chan struct{})}
	return &pipeEnd{recv: bToA, send: aToB, local: a, remote: b},
		&pipeEnd{recv: aToB, send: bToA, local: b, remote: a}
}

type pipeSide struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	recv   chan Message
	send   chan Message
	local  *pipeSide
	remote *pipeSide
}

var errPeerClosed = &CloseError{ByPeer: true, Reason: "pipe closed"}

func (p *pipeEnd) Send(ctx context.Context, msg Message) error {
	select {
	case <-p.local.done:
		return ErrClosed
	case <-p.remote.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- msg:
		return nil
	case <-p.local.done:
		return ErrClosed
	case <-p.remote.done:
		return errPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (Message, error) {
	select {
	case <-p.local.done:
		return Message{}, ErrClosed
	default:
	}
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-p.local.done:
		return Message{}, ErrClosed
	case <-p.remote.done:
		select {
		case msg := <-p.recv:
			return msg, nil
		default:
		}
		return Message{}, errPeerClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.local.once.Do(func() { close(p.local.done) })
	return nil
}

// MemoryDialer dials in-memory pipes. The server end of every successful
// dial is delivered on Accepted.
type MemoryDialer struct {
	mode     Mode
	accepted chan Conn

	mu       sync.Mutex
	failures []error
	dials    int
	headers  []http.Header
}

// NewMemoryDialer creates a dialer reporting the given mode
func NewMemoryDialer(mode Mode) *MemoryDialer {
	return &MemoryDialer{mode: mode, accepted: make(chan Conn, 16)}
}

func (d *MemoryDialer) Mode() Mode { return d.mode }

func (d *MemoryDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header)
	var err error
	if len(d.failures) > 0 {
		err = d.failures[0]
		d.failures = d.failures[1:]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, &DialError{Mode: d.mode, Err: err}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	client, server := Pipe()
	select {
	case d.accepted <- server:
	default:
		return nil, &DialError{Mode: d.mode, Err: errors.New("accept backlog full")}
	}
	return client, nil
}

// FailNext makes the next n dials fail with err
func (d *MemoryDialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

// Dials returns the number of Dial calls so far
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// LastHeader returns the header passed to the most recent Dial
func (d *MemoryDialer) LastHeader() http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.headers) == 0 {
		return nil
	}
	return d.headers[len(d.headers)-1]
}

// Accepted delivers the server end of each successful dial
func (d *MemoryDialer) Accepted() <-chan Conn {
	return d.accepted
}
