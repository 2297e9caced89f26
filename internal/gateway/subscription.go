package gateway

import (
	"sync"

	"github.com/kodymullinsx/paseo-sub005/pkg/api"
)

// subQueueCap bounds each subscription's event queue. Consecutive identical
// status events coalesce when the queue is full; anything else overflowing
// drops the subscription with a resource_exhausted error.
const subQueueCap = 512

// subscription is one bound event stream on a connection with its own
// bounded queue and pump. Events within a subscription are strictly ordered.
type subscription struct {
	id     string
	action string
	client *Client

	// cancel unbinds the upstream source. Set before start.
	cancel func()

	mu      sync.Mutex
	queue   []*api.Message
	notify  chan struct{}
	done    chan struct{}
	dropped bool
	started bool
}

func newSubscription(id, action string, client *Client) *subscription {
	return &subscription{
		id:     id,
		action: action,
		client: client,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enqueues an event. Overflow first tries to coalesce consecutive
// identical agent status events, then drops the subscription.
func (s *subscription) push(msg *api.Message) {
	s.mu.Lock()
	if s.dropped {
		s.mu.Unlock()
		return
	}

	if len(s.queue) < subQueueCap {
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
		s.signal()
		return
	}

	if coalesceStatus(s.queue[len(s.queue)-1], msg) {
		s.queue[len(s.queue)-1] = msg
		s.mu.Unlock()
		s.signal()
		return
	}

	s.mu.Unlock()
	s.drop()
	s.client.dropSubscription(s)
}

// prepend inserts a message ahead of queued events. Used for snapshots that
// must precede live updates.
func (s *subscription) prepend(msg *api.Message) {
	s.mu.Lock()
	if !s.dropped {
		s.queue = append([]*api.Message{msg}, s.queue...)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// start launches the pump. Events pushed before start stay queued, which
// lets the binder prepend a snapshot first.
func (s *subscription) start() {
	s.mu.Lock()
	if s.started || s.dropped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.pump()
	s.signal()
}

func (s *subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if s.dropped {
				s.mu.Unlock()
				return
			}
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.client.sendMessage(msg)
		}
	}
}

// drop stops the pump and discards queued events.
func (s *subscription) drop() {
	s.mu.Lock()
	if s.dropped {
		s.mu.Unlock()
		return
	}
	s.dropped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

// coalesceStatus reports whether next may replace last in the queue: both
// must be agent updates carrying the same status.
func coalesceStatus(last, next *api.Message) bool {
	if last.Action != api.EventAgentUpdate || next.Action != api.EventAgentUpdate {
		return false
	}
	var a, b api.TimelineUpdate
	if err := last.ParsePayload(&a); err != nil {
		return false
	}
	if err := next.ParsePayload(&b); err != nil {
		return false
	}
	return a.Type == api.UpdateStatusChange && b.Type == api.UpdateStatusChange &&
		a.Status == b.Status && a.AgentID == b.AgentID
}
