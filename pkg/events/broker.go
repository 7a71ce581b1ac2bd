// Package events fans progress events out to session subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// Publisher forwards events outside the process.
type Publisher interface {
	Publish(ctx context.Context, event models.ProgressEvent) error
}

// Broker delivers events to in-process subscribers and optional publishers.
// Sequence numbers are assigned per session and never go backwards.
type Broker struct {
	buffer     int
	publishers []Publisher
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionStream
}

type sessionStream struct {
	sequence    int64
	nextSubID   int
	subscribers map[int]chan models.ProgressEvent
	closed      bool
}

// NewBroker creates a Broker. buffer is the per-subscriber channel size.
func NewBroker(buffer int, logger *zap.Logger, publishers ...Publisher) *Broker {
	if buffer < 1 {
		buffer = 64
	}
	return &Broker{
		buffer:     buffer,
		publishers: publishers,
		logger:     logger.Named("event-broker"),
		sessions:   make(map[uuid.UUID]*sessionStream),
	}
}

func (b *Broker) stream(sessionID uuid.UUID) *sessionStream {
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionStream{subscribers: make(map[int]chan models.ProgressEvent)}
		b.sessions[sessionID] = s
	}
	return s
}

// Publish stamps the event with the next sequence number and delivers it.
// A slow subscriber loses its oldest buffered event rather than blocking the session.
func (b *Broker) Publish(ctx context.Context, event models.ProgressEvent) models.ProgressEvent {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	s := b.stream(event.SessionID)
	if s.closed {
		b.mu.Unlock()
		return event
	}
	s.sequence++
	event.Sequence = s.sequence
	for _, ch := range s.subscribers {
		deliver(ch, event)
	}
	b.mu.Unlock()

	for _, p := range b.publishers {
		if err := p.Publish(ctx, event); err != nil {
			b.logger.Warn("Failed to forward progress event",
				zap.String("session_id", event.SessionID.String()),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err))
		}
	}
	return event
}

func deliver(ch chan models.ProgressEvent, event models.ProgressEvent) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel of the session's events from now on and a func
// that ends the subscription. The channel closes when the session is closed.
func (b *Broker) Subscribe(sessionID uuid.UUID) (<-chan models.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.ProgressEvent, b.buffer)
	s := b.stream(sessionID)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(sub)
			}
		})
	}
}

// CloseSession closes every subscriber channel of a session. Later publishes are dropped.
func (b *Broker) CloseSession(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(sessionID)
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Forget drops a closed session's bookkeeping.
func (b *Broker) Forget(sessionID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok && s.closed {
		delete(b.sessions, sessionID)
	}
}

// Subscribers returns the number of live subscribers of a session.
func (b *Broker) Subscribers(sessionID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[sessionID]; ok {
		return len(s.subscribers)
	}
	return 0
}
