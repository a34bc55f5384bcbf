package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// subQueueDepth bounds the per-subscription delivery queue. Within one
// subscription messages are delivered in the order they were published.
const subQueueDepth = 512

// ConnOptions configures a client connection.
type ConnOptions struct {
	User   string
	Pass   string
	Logger zerolog.Logger
}

// Conn is a client connection to the broker.
type Conn struct {
	opts ConnOptions
	nc   net.Conn

	wmu sync.Mutex // serializes frame writes
	enc *json.Encoder

	mu      sync.Mutex
	subs    map[int]*Subscription
	pings   []chan struct{}
	nextSID int
	closed  bool
}

// Subscription is an ordered consumer on one subject. Messages are handed
// to the handler one at a time, in publish order, on a dedicated goroutine.
type Subscription struct {
	Subject string

	sid     int
	conn    *Conn
	handler Handler
	queue   chan *Msg
	quit    chan struct{}
	once    sync.Once
}

// Dial connects to a broker over TCP and completes the handshake.
func Dial(addr string, opts ConnOptions) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial bus at %s: %w", addr, err)
	}
	return NewConn(nc, opts)
}

// NewConn wraps an established net.Conn, performs the connect handshake,
// and starts the read loop. It returns ErrAuthorization when the broker
// rejects the credentials.
func NewConn(nc net.Conn, opts ConnOptions) (*Conn, error) {
	c := &Conn{
		opts: opts,
		nc:   nc,
		enc:  json.NewEncoder(nc),
		subs: make(map[int]*Subscription),
	}

	dec := json.NewDecoder(nc)

	handshake := make(chan error, 1)
	go func() {
		if err := c.writeFrame(frame{Op: opConnect, User: opts.User, Pass: opts.Pass}); err != nil {
			handshake <- err
			return
		}
		var resp frame
		if err := dec.Decode(&resp); err != nil {
			handshake <- fmt.Errorf("read connect response: %w", err)
			return
		}
		if resp.Op == opErr {
			handshake <- fmt.Errorf("%w: %s", ErrAuthorization, resp.Error)
			return
		}
		handshake <- nil
	}()

	if err := <-handshake; err != nil {
		nc.Close()
		return nil, err
	}

	go c.readLoop(dec)
	return c, nil
}

// Publish sends data on subject. The error reflects transport failure;
// permission violations are reported asynchronously by the broker and
// logged by the read loop.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.PublishRequest(subject, "", data)
}

// PublishRequest publishes with a reply subject attached.
func (c *Conn) PublishRequest(subject, reply string, data []byte) error {
	if !validSubject(subject) {
		return ErrBadSubject
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.mu.Unlock()
	return c.writeFrame(frame{Op: opPub, Subject: subject, Reply: reply, Data: data})
}

// Subscribe installs an ordered subscription on subject. The handler runs
// on its own goroutine; a panic inside it is logged and terminates only
// that subscription's delivery loop.
func (c *Conn) Subscribe(subject string, h Handler) (*Subscription, error) {
	if !validSubject(subject) {
		return nil, ErrBadSubject
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextSID++
	sub := &Subscription{
		Subject: subject,
		sid:     c.nextSID,
		conn:    c,
		handler: h,
		queue:   make(chan *Msg, subQueueDepth),
		quit:    make(chan struct{}),
	}
	c.subs[sub.sid] = sub
	c.mu.Unlock()

	if err := c.writeFrame(frame{Op: opSub, SID: sub.sid, Subject: subject}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.sid)
		c.mu.Unlock()
		return nil, err
	}

	go sub.deliverLoop()
	return sub, nil
}

// Request publishes data on subject with an ephemeral reply inbox and
// waits for the first reply or context cancellation.
func (c *Conn) Request(ctx context.Context, subject string, data []byte) (*Msg, error) {
	inbox := "_INBOX." + uuid.NewString()
	replies := make(chan *Msg, 1)

	sub, err := c.Subscribe(inbox, func(m *Msg) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := c.PublishRequest(subject, inbox, data); err != nil {
		return nil, err
	}

	select {
	case m := <-replies:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush performs a ping/pong round trip, guaranteeing the broker has
// processed every operation sent on this connection so far.
func (c *Conn) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.pings = append(c.pings, ch)
	c.mu.Unlock()

	if err := c.writeFrame(frame{Op: opPing}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the connection and every subscription on it.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[int]*Subscription)
	for _, ch := range c.pings {
		close(ch)
	}
	c.pings = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return c.nc.Close()
}

func (c *Conn) writeFrame(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(&f); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(dec *json.Decoder) {
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			c.Close()
			return
		}

		switch f.Op {
		case opMsg:
			c.mu.Lock()
			sub := c.subs[f.SID]
			c.mu.Unlock()
			if sub == nil {
				continue
			}
			m := &Msg{Subject: f.Subject, Reply: f.Reply, Data: f.Data}
			select {
			case sub.queue <- m:
			case <-sub.quit:
			default:
				c.opts.Logger.Warn().Str("subject", sub.Subject).Msg("Subscription queue full, dropping message")
			}

		case opPong:
			c.mu.Lock()
			if len(c.pings) > 0 {
				close(c.pings[0])
				c.pings = c.pings[1:]
			}
			c.mu.Unlock()

		case opErr:
			c.opts.Logger.Warn().Str("error", f.Error).Msg("Bus error from broker")
		}
	}
}

// Unsubscribe cancels the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.conn.mu.Lock()
		delete(s.conn.subs, s.sid)
		closed := s.conn.closed
		s.conn.mu.Unlock()

		close(s.quit)
		if !closed {
			err = s.conn.writeFrame(frame{Op: opUnsub, SID: s.sid})
		}
	})
	return err
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.quit)
	})
}

func (s *Subscription) deliverLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.conn.opts.Logger.Error().
				Str("subject", s.Subject).
				Interface("panic", r).
				Msg("Subscription handler panicked, terminating this consumer only")
		}
	}()

	for {
		select {
		case <-s.quit:
			return
		case m := <-s.queue:
			s.handler(m)
		}
	}
}
