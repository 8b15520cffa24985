// Package mock is an in-memory transports.Dialer. Every accepted dial
// yields a Conn the test drives from the vendor side.
package mock

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/earshot/pkg/adapters/stt"
	"github.com/harunnryd/earshot/pkg/transports"
)

var (
	ErrClosed  = errors.New("mock: socket closed")
	ErrDropped = errors.New("mock: connection dropped")
)

type Dialer struct {
	mu      sync.Mutex
	fails   []error
	failAll error
	gate    chan struct{}
	dials   int
	urls    []string
	headers []http.Header
	all     []*Conn
	accept  chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{accept: make(chan *Conn, 64)}
}

// FailNext makes the following dials fail with errs, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.fails = append(d.fails, errs...)
	d.mu.Unlock()
}

// FailAlways makes every dial fail with err until cleared with nil.
func (d *Dialer) FailAlways(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

// Hold blocks dials until Release.
func (d *Dialer) Hold() {
	d.mu.Lock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
	d.mu.Unlock()
}

func (d *Dialer) Release() {
	d.mu.Lock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transports.Socket, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header.Clone())
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	var err error
	switch {
	case len(d.fails) > 0:
		err = d.fails[0]
		d.fails = d.fails[1:]
	case d.failAll != nil:
		err = d.failAll
	}
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	c := newConn(url, header)
	d.all = append(d.all, c)
	d.mu.Unlock()

	select {
	case d.accept <- c:
	default:
	}
	return &socket{c: c}, nil
}

// Dials counts every call to Dial, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *Dialer) Headers() []http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]http.Header(nil), d.headers...)
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.all...)
}

// Next waits for the next accepted connection.
func (d *Dialer) Next(timeout time.Duration) (*Conn, bool) {
	select {
	case c := <-d.accept:
		return c, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is the vendor side of one mock socket.
type Conn struct {
	URL    string
	Header http.Header

	out    chan stt.Message
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	sent     []stt.Message
	notify   chan struct{}
	graceful bool
}

func newConn(url string, header http.Header) *Conn {
	return &Conn{
		URL:    url,
		Header: header.Clone(),
		out:    make(chan stt.Message, 64),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push delivers msg to the client. It reports false once closed.
func (c *Conn) Push(msg stt.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	case <-c.closed:
		return false
	}
}

// Drop ends the connection as if the network failed.
func (c *Conn) Drop() { c.close(false) }

func (c *Conn) close(graceful bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.graceful = graceful
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Graceful reports whether the client closed with a close frame.
func (c *Conn) Graceful() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful
}

func (c *Conn) Done() <-chan struct{} { return c.closed }

// Sent returns copies of everything the client sent, in order.
func (c *Conn) Sent() []stt.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stt.Message(nil), c.sent...)
}

// WaitSent waits until the client has sent at least n messages.
func (c *Conn) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		got := len(c.sent)
		c.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return false
		}
	}
}

func (c *Conn) record(msg stt.Message) {
	c.mu.Lock()
	c.sent = append(c.sent, stt.Message{Type: msg.Type, Data: append([]byte(nil), msg.Data...)})
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

type socket struct {
	c *Conn
}

func (s *socket) Send(ctx context.Context, msg stt.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.c.Closed() {
		return ErrClosed
	}
	s.c.record(msg)
	return nil
}

func (s *socket) Receive(ctx context.Context) (stt.Message, error) {
	select {
	case msg := <-s.c.out:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.c.out:
		return msg, nil
	case <-s.c.closed:
		return stt.Message{}, ErrDropped
	case <-ctx.Done():
		return stt.Message{}, ctx.Err()
	}
}

func (s *socket) Close(graceful bool) error {
	s.c.close(graceful)
	return nil
}
