package client

import (
	"sync"
	"time"

	"github.com/penhale/valet/internal/bridge"
)

// sequencer reorders incoming frames by sequence number. A frame that
// skips ahead is held briefly in case the missing one is merely late;
// when the hold expires the gap is abandoned and buffered frames are
// delivered in order anyway. The hold is a heuristic for out-of-order
// delivery across flaky Wi-Fi, not a reliability guarantee.
type sequencer struct {
	mu      sync.Mutex
	next    uint64 // expected seq; 0 means unanchored
	hold    time.Duration
	buf     map[uint64]bridge.Message
	timer   *time.Timer
	deliver func(bridge.Message)
}

func newSequencer(hold time.Duration, deliver func(bridge.Message)) *sequencer {
	return &sequencer{
		hold:    hold,
		buf:     make(map[uint64]bridge.Message),
		deliver: deliver,
	}
}

// Reset clears ordering state. Called on reconnect: the server numbers
// each connection independently.
func (s *sequencer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.buf = make(map[uint64]bridge.Message)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Receive accepts one frame and delivers everything that is in order.
func (s *sequencer) Receive(m bridge.Message) {
	s.mu.Lock()

	if s.next == 0 {
		s.next = m.Seq
	}

	var out []bridge.Message
	switch {
	case m.Seq < s.next:
		// Duplicate or stale frame.
	case m.Seq == s.next:
		out = append(out, m)
		s.next++
		out = append(out, s.drainConsecutiveLocked()...)
		if len(s.buf) == 0 && s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	default:
		s.buf[m.Seq] = m
		if s.timer == nil {
			s.timer = time.AfterFunc(s.hold, s.abandonGap)
		}
	}

	s.mu.Unlock()
	for _, d := range out {
		s.deliver(d)
	}
}

// drainConsecutiveLocked pops buffered frames that now line up.
func (s *sequencer) drainConsecutiveLocked() []bridge.Message {
	var out []bridge.Message
	for {
		m, ok := s.buf[s.next]
		if !ok {
			return out
		}
		delete(s.buf, s.next)
		out = append(out, m)
		s.next++
	}
}

// abandonGap gives up waiting for the missing frame and releases the
// buffer in sequence order.
func (s *sequencer) abandonGap() {
	s.mu.Lock()
	s.timer = nil

	var out []bridge.Message
	for len(s.buf) > 0 {
		// Find the smallest buffered seq at or above next.
		var lowest uint64
		for seq := range s.buf {
			if lowest == 0 || seq < lowest {
				lowest = seq
			}
		}
		s.next = lowest
		out = append(out, s.drainConsecutiveLocked()...)
	}

	s.mu.Unlock()
	for _, d := range out {
		s.deliver(d)
	}
}
