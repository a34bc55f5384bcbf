// Package bus implements the subject-based publish/subscribe message bus
// that connects the thread relay, the credential gate, and the conversation
// workers. The broker and the client speak a newline-delimited JSON frame
// protocol over any net.Conn; production deployments listen on TCP, tests
// and single-process deployments connect through net.Pipe.
package bus

import (
	"errors"
	"strings"
)

// Msg is a single message delivered to a subscription or returned from a
// request. Data is the raw payload; callers decide the encoding (the relay
// and gate both use JSON).
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler consumes messages delivered to a subscription. Handlers for one
// subscription run on a single goroutine in publish order.
type Handler func(m *Msg)

var (
	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("bus: connection closed")

	// ErrAuthorization is returned when the broker rejects a connection.
	ErrAuthorization = errors.New("bus: authorization failed")

	// ErrBadSubject is returned for empty or malformed subjects.
	ErrBadSubject = errors.New("bus: invalid subject")
)

// MatchSubject reports whether subject matches pattern. Subjects are
// dot-separated tokens; in a pattern, "*" matches exactly one token and a
// trailing ">" matches one or more remaining tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			// ">" must consume at least one token.
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}

func validSubject(subject string) bool {
	if subject == "" {
		return false
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}
