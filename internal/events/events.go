// Package events fans delivery outcomes and rate-limit verdicts out to
// analytics consumers. Publishing is fire-and-forget: the dispatch
// pipeline never blocks on a slow subscriber, and events are dropped
// rather than queued without bound.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one observable engine occurrence.
type Event struct {
	Type      string                 `json:"type"`
	JobID     string                 `json:"job_id,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	At        time.Time              `json:"at"`
}

// Event types emitted by the engine.
const (
	TypeJobEnqueued  = "job_enqueued"
	TypeJobSent      = "job_sent"
	TypeJobFailed    = "job_failed"
	TypeJobRetrying  = "job_retrying"
	TypeJobCancelled = "job_cancelled"
	TypeRateVerdict  = "rate_verdict"
	TypeSyncDone     = "sync_done"
)

// Subscriber receives events. It must not block; long work belongs on
// the subscriber's own goroutine.
type Subscriber func(Event)

// Sink buffers published events and delivers them to subscribers on a
// single dispatch goroutine.
type Sink struct {
	ch      chan Event
	mu      sync.RWMutex
	subs    []Subscriber
	closed  bool
	dropped uint64
	done    chan struct{}
	logger  *slog.Logger
	once    sync.Once
}

// NewSink creates and starts a sink with the given buffer size.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "events"),
	}
	go s.run()
	return s
}

// Subscribe registers a subscriber for all future events.
func (s *Sink) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Publish enqueues an event without blocking. A full buffer or a
// closed sink drops the event; dashboards tolerate gaps, the pipeline
// does not tolerate stalls.
func (s *Sink) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}

	select {
	case s.ch <- evt:
	default:
		s.dropped++
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (s *Sink) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

func (s *Sink) run() {
	for evt := range s.ch {
		s.mu.RLock()
		subs := s.subs
		s.mu.RUnlock()

		for _, fn := range subs {
			fn(evt)
		}
	}
	close(s.done)
}

// Close stops the sink after draining buffered events. Publishes that
// race or follow Close are counted as dropped, never a panic.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.ch)
	})
	<-s.done
}
