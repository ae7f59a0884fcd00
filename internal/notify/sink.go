package notify

import (
	"sync"

	"hwconfirm/internal/model"
)

// DefaultSinkBuffer is the per-session outbound queue length.
const DefaultSinkBuffer = 16

// ChannelSink is a Sink backed by a bounded channel. The connection owner
// drains Events and stops when Done is closed.
type ChannelSink struct {
	events chan model.Event
	done   chan struct{}
	once   sync.Once
}

func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = DefaultSinkBuffer
	}
	return &ChannelSink{
		events: make(chan model.Event, size),
		done:   make(chan struct{}),
	}
}

func (s *ChannelSink) Deliver(ev model.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Close is safe to call more than once. The events channel stays open so a
// concurrent Deliver can never panic.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *ChannelSink) Events() <-chan model.Event {
	return s.events
}

func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}
