package runcontroller

import "sync"

const sinkQueueDepth = 64

// sinkSubscriber's own mutex serializes a concurrent Push (the sender)
// against its unsubscribe (the remover): both take chMu before
// touching closed or ch, so ch is closed exactly once and never while
// a send to it is in flight.
type sinkSubscriber struct {
	chMu   sync.Mutex
	closed bool
	ch     chan interface{}
}

// WebSocketSink is the ClientSink the HTTP layer wires up: each
// subscriber gets a bounded channel of run events, fed non-blockingly
// so a slow or absent reader never stalls the run's drain loop.
type WebSocketSink struct {
	mu          sync.Mutex
	subscribers map[string][]*sinkSubscriber
}

// NewWebSocketSink builds an empty WebSocketSink.
func NewWebSocketSink() *WebSocketSink {
	return &WebSocketSink{subscribers: make(map[string][]*sinkSubscriber)}
}

// Push implements ClientSink, fanning the event out to every live
// subscriber for userID.
func (s *WebSocketSink) Push(userID string, event interface{}) {
	s.mu.Lock()
	subs := append([]*sinkSubscriber(nil), s.subscribers[userID]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.chMu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- event:
			default:
			}
		}
		sub.chMu.Unlock()
	}
}

// Subscribe opens a channel of run events for userID. Call the
// returned function to unsubscribe.
func (s *WebSocketSink) Subscribe(userID string) (<-chan interface{}, func()) {
	sub := &sinkSubscriber{ch: make(chan interface{}, sinkQueueDepth)}

	s.mu.Lock()
	s.subscribers[userID] = append(s.subscribers[userID], sub)
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		subs := s.subscribers[userID]
		for i, c := range subs {
			if c == sub {
				s.subscribers[userID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()

		sub.chMu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.chMu.Unlock()
	}
	return sub.ch, unsubscribe
}
