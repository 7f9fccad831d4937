package relay

import "sync"

// Subscription is a live stream of envelopes matching Filters. Closing it is
// the only way to stop it.
type Subscription struct {
	ID      string
	Filters []Filter

	ch *Channel

	events chan *Envelope
	done   chan struct{}
	// senders hold the read side while delivering; Close takes the write
	// side before closing events
	sendMu    sync.RWMutex
	closeOnce sync.Once
}

func newSubscription(ch *Channel, id string, filters []Filter) *Subscription {
	return &Subscription{
		ID:      id,
		Filters: append([]Filter(nil), filters...),
		ch:      ch,
		events:  make(chan *Envelope, 64),
		done:    make(chan struct{}),
	}
}

// Events returns the stream. It is closed after Close.
func (s *Subscription) Events() <-chan *Envelope {
	return s.events
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// deliver blocks until the consumer takes e or the subscription closes.
// It runs on the relay's read loop, so while Events is full OK frames from
// that relay wait too and a Publish to it can only time out. Consumers
// that publish while handling an envelope must keep draining Events or
// publish from another goroutine.
func (s *Subscription) deliver(e *Envelope) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// Close stops the subscription on every relay and closes Events.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.ch.unsubscribe(s)
		s.sendMu.Lock()
		close(s.events)
		s.sendMu.Unlock()
	})
	return nil
}
