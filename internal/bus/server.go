package bus

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// clientSendBuffer bounds the per-client outbound mailbox. A consumer
	// that falls this far behind starts losing messages (logged) instead
	// of stalling every publisher on the broker.
	clientSendBuffer = 1024

	defaultCalloutTimeout = 2 * time.Second
)

// CalloutOptions enables the credential-gate handshake. When set, every
// non-system connection is authorized by a request/reply round trip on
// Subject before it may publish or subscribe anything.
type CalloutOptions struct {
	Subject    string
	SigningKey []byte
	Timeout    time.Duration

	// SystemUser/SystemPass bypass the callout. The gate itself connects
	// with these, as does any broker-internal plumbing.
	SystemUser string
	SystemPass string
}

// ServerOptions configures a broker.
type ServerOptions struct {
	ServerID string
	Callout  *CalloutOptions
	Logger   zerolog.Logger
}

// Server is the message broker. It routes published messages to matching
// subscriptions, enforces per-connection subject permissions, and gates
// new connections through the authorization callout when configured.
type Server struct {
	opts ServerOptions

	mu      sync.Mutex
	subs    []*serverSub
	clients map[*serverClient]struct{}
	closed  bool
}

type serverSub struct {
	pattern string
	sid     int
	owner   *serverClient // nil for broker-internal subscriptions
	deliver func(m *Msg)
}

type serverClient struct {
	srv    *Server
	nc     net.Conn
	out    chan frame
	perms  *Permissions
	user   string
	system bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates a broker. It serves nothing until Serve, ServeConn, or
// Connect is called.
func NewServer(opts ServerOptions) *Server {
	if opts.ServerID == "" {
		opts.ServerID = "teamrelay-bus"
	}
	if opts.Callout != nil {
		if opts.Callout.Subject == "" {
			opts.Callout.Subject = DefaultCalloutSubject
		}
		if opts.Callout.Timeout <= 0 {
			opts.Callout.Timeout = defaultCalloutTimeout
		}
	}
	return &Server{
		opts:    opts,
		clients: make(map[*serverClient]struct{}),
	}
}

// Serve accepts connections from l until the listener fails or the broker
// is closed. Each connection is served on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.ServeConn(nc)
	}
}

// ServeConn runs the broker side of a single connection until it drops.
func (s *Server) ServeConn(nc net.Conn) {
	dec := json.NewDecoder(nc)

	var connect frame
	if err := dec.Decode(&connect); err != nil || connect.Op != opConnect {
		writeFrame(nc, frame{Op: opErr, Error: "expected connect"})
		nc.Close()
		return
	}

	perms, system, err := s.authorize(connect.User, connect.Pass)
	if err != nil {
		s.opts.Logger.Warn().Str("user", connect.User).Err(err).Msg("Connection denied")
		writeFrame(nc, frame{Op: opErr, Error: "authorization failed"})
		nc.Close()
		return
	}

	c := &serverClient{
		srv:    s,
		nc:     nc,
		out:    make(chan frame, clientSendBuffer),
		perms:  perms,
		user:   connect.User,
		system: system,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeFrame(nc, frame{Op: opErr, Error: "server shutting down"})
		nc.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	c.send(frame{Op: opOK})

	s.opts.Logger.Debug().Str("user", connect.User).Bool("system", system).Msg("Client connected")
	c.readLoop(dec)
	s.removeClient(c)
}

// Connect opens an in-process client connection to this broker through a
// net.Pipe. The returned connection has completed its handshake.
func (s *Server) Connect(opts ConnOptions) (*Conn, error) {
	clientSide, serverSide := net.Pipe()
	go s.ServeConn(serverSide)
	return NewConn(clientSide, opts)
}

// Close shuts down the broker and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.subs = nil
	s.clients = make(map[*serverClient]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// authorize resolves the permission set for a connecting client. With no
// callout configured every connection is unrestricted. System credentials
// bypass the callout; everything else is decided by the credential gate.
func (s *Server) authorize(user, pass string) (*Permissions, bool, error) {
	co := s.opts.Callout
	if co == nil {
		return nil, false, nil
	}

	if co.SystemUser != "" &&
		subtle.ConstantTimeCompare([]byte(user), []byte(co.SystemUser)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(co.SystemPass)) == 1 {
		return nil, true, nil
	}

	claims := &AuthorizationRequestClaims{
		ConnectingKey:    uuid.NewString(),
		ServerID:         s.opts.ServerID,
		ConnectOptions:   ConnectOptions{User: user, Pass: pass},
		RegisteredClaims: registeredClaims(s.opts.ServerID, co.Timeout),
	}
	envelope, err := SignClaims(co.SigningKey, claims)
	if err != nil {
		return nil, false, fmt.Errorf("sign authorization request: %w", err)
	}

	reply, err := s.request(co.Subject, []byte(envelope), co.Timeout)
	if err != nil {
		return nil, false, fmt.Errorf("authorization callout: %w", err)
	}

	resp, err := ParseResponseClaims(co.SigningKey, string(reply.Data))
	if err != nil {
		return nil, false, fmt.Errorf("authorization response: %w", err)
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("%w: %s", ErrAuthorization, resp.Error)
	}

	grant, err := ParseGrantClaims(co.SigningKey, resp.GrantedJWT)
	if err != nil {
		return nil, false, fmt.Errorf("authorization grant: %w", err)
	}

	perms := grant.Permissions
	return &perms, false, nil
}

// request performs a broker-internal request/reply: an ephemeral inbox
// subscription plus one publish, bypassing permission checks.
func (s *Server) request(subject string, data []byte, timeout time.Duration) (*Msg, error) {
	inbox := "_INBOX." + uuid.NewString()
	replies := make(chan *Msg, 1)

	sub := &serverSub{
		pattern: inbox,
		deliver: func(m *Msg) {
			select {
			case replies <- m:
			default:
			}
		},
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	defer s.removeSub(sub)

	s.publish(subject, inbox, data)

	select {
	case m := <-replies:
		return m, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no reply on %s within %v", subject, timeout)
	}
}

// publish routes one message to every matching subscription, preserving
// arrival order per subject.
func (s *Server) publish(subject, reply string, data []byte) {
	s.mu.Lock()
	matched := make([]*serverSub, 0, 4)
	for _, sub := range s.subs {
		if MatchSubject(sub.pattern, subject) || sub.pattern == subject {
			matched = append(matched, sub)
		}
	}
	s.mu.Unlock()

	m := &Msg{Subject: subject, Reply: reply, Data: data}
	for _, sub := range matched {
		sub.deliver(m)
	}
}

func (s *Server) removeSub(target *serverSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Server) removeClient(c *serverClient) {
	s.mu.Lock()
	delete(s.clients, c)
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.owner != c {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
	s.mu.Unlock()
	c.close()
}

func (c *serverClient) readLoop(dec *json.Decoder) {
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return
		}

		switch f.Op {
		case opPub:
			if !validSubject(f.Subject) {
				c.send(frame{Op: opErr, Error: "invalid subject"})
				continue
			}
			if !c.perms.CanPublish(f.Subject) && !isInbox(f.Subject) {
				c.srv.opts.Logger.Warn().Str("user", c.user).Str("subject", f.Subject).Msg("Publish denied")
				c.send(frame{Op: opErr, Error: "permission violation for publish to " + f.Subject})
				continue
			}
			c.srv.publish(f.Subject, f.Reply, f.Data)

		case opSub:
			if !c.perms.CanSubscribe(f.Subject) && !isInbox(f.Subject) {
				c.srv.opts.Logger.Warn().Str("user", c.user).Str("subject", f.Subject).Msg("Subscribe denied")
				c.send(frame{Op: opErr, Error: "permission violation for subscription to " + f.Subject})
				continue
			}
			sub := &serverSub{pattern: f.Subject, sid: f.SID, owner: c}
			sid := f.SID
			sub.deliver = func(m *Msg) {
				c.send(frame{Op: opMsg, SID: sid, Subject: m.Subject, Reply: m.Reply, Data: m.Data})
			}
			c.srv.mu.Lock()
			c.srv.subs = append(c.srv.subs, sub)
			c.srv.mu.Unlock()

		case opPing:
			// The pong rides the same writer queue as message frames, so a
			// client that receives it has seen every prior op take effect.
			c.send(frame{Op: opPong})

		case opUnsub:
			c.srv.mu.Lock()
			kept := c.srv.subs[:0]
			for _, sub := range c.srv.subs {
				if sub.owner == c && sub.sid == f.SID {
					continue
				}
				kept = append(kept, sub)
			}
			c.srv.subs = kept
			c.srv.mu.Unlock()

		default:
			c.send(frame{Op: opErr, Error: "unknown op " + f.Op})
		}
	}
}

// send enqueues a frame for the writer goroutine. Frames to a full mailbox
// are dropped so one slow consumer cannot back-pressure the whole broker.
func (c *serverClient) send(f frame) {
	select {
	case c.out <- f:
	case <-c.done:
	default:
		c.srv.opts.Logger.Warn().Str("user", c.user).Str("op", f.Op).Msg("Slow consumer, dropping frame")
	}
}

func (c *serverClient) writeLoop() {
	enc := json.NewEncoder(c.nc)
	for {
		select {
		case f := <-c.out:
			if err := enc.Encode(&f); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *serverClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.nc.Close()
	})
}

func isInbox(subject string) bool {
	return MatchSubject("_INBOX.>", subject)
}

func writeFrame(nc net.Conn, f frame) {
	json.NewEncoder(nc).Encode(&f)
}
