// Package relay implements the thread relay: per-conversation bus
// connections, ordered subscription management, streaming-token
// aggregation, and the bridge from bus traffic to the durable store and
// the browser-facing event channel.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/teamrelay/internal/bus"
	"github.com/teamrelay/internal/retry"
)

// DialFunc opens a new bus connection for a thread. Production wires this
// to bus.Dial or Server.Connect with the relay's credentials.
type DialFunc func() (*bus.Conn, error)

// Registry owns the threadId to Thread mapping for one process. It is an
// explicit object constructed at startup and injected wherever needed; no
// component opens a bus connection or subscription except through it.
type Registry struct {
	dial  DialFunc
	log   zerolog.Logger
	retry retry.Config

	mu      sync.Mutex
	threads map[uuid.UUID]*Thread
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(dial DialFunc, logger zerolog.Logger) *Registry {
	return &Registry{
		dial:    dial,
		log:     logger,
		retry:   retry.DefaultConfig(),
		threads: make(map[uuid.UUID]*Thread),
	}
}

// SetDialRetry overrides the backoff used when opening bus connections.
func (r *Registry) SetDialRetry(config retry.Config) {
	r.retry = config
}

// Ensure returns the thread for threadID, opening its bus connection and
// registering it on first use. Concurrent callers for the same thread are
// serialized; exactly one connection is opened per thread.
func (r *Registry) Ensure(threadID uuid.UUID) (*Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	if t, ok := r.threads[threadID]; ok {
		return t, nil
	}

	var conn *bus.Conn
	err := retry.Do(context.Background(), r.retry, func() error {
		var dialErr error
		conn, dialErr = r.dial()
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bus connection for thread %s: %w", threadID, err)
	}

	t := newThread(threadID, conn, r.log)
	r.threads[threadID] = t
	r.log.Info().Stringer("thread_id", threadID).Msg("Thread registered")
	return t, nil
}

// Lookup returns an existing thread or nil.
func (r *Registry) Lookup(threadID uuid.UUID) *Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[threadID]
}

// Len reports the number of live threads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

// CloseThread tears down one thread: subscriptions cancelled, connection
// released, entry removed.
func (r *Registry) CloseThread(threadID uuid.UUID) {
	r.mu.Lock()
	t, ok := r.threads[threadID]
	delete(r.threads, threadID)
	r.mu.Unlock()

	if ok {
		t.Close()
		r.log.Info().Stringer("thread_id", threadID).Msg("Thread closed")
	}
}

// EvictIdle closes every thread idle for longer than olderThan and returns
// how many were evicted. The serve loop runs this periodically so
// abandoned conversations do not hold connections forever.
func (r *Registry) EvictIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	r.mu.Lock()
	var stale []*Thread
	for id, t := range r.threads {
		if t.IdleSince().Before(cutoff) {
			stale = append(stale, t)
			delete(r.threads, id)
		}
	}
	r.mu.Unlock()

	for _, t := range stale {
		t.Close()
		r.log.Info().Stringer("thread_id", t.ID).Msg("Idle thread evicted")
	}
	return len(stale)
}

// Close tears down every thread and rejects further Ensure calls.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	threads := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		threads = append(threads, t)
	}
	r.threads = make(map[uuid.UUID]*Thread)
	r.mu.Unlock()

	for _, t := range threads {
		t.Close()
	}
}
