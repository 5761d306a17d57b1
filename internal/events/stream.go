package events

import (
	"context"
	"sync"
)

// Stream fans delegation-changed events out to all active subscribers
// (SSE clients, projection builders).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ChangeEvent
	next int
}

var _ Queue = (*Stream)(nil)

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Enqueue implements Queue by publishing to the in-process stream.
func (s *Stream) Enqueue(ctx context.Context, evt ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Publish(evt)
	return nil
}
