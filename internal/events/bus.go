// Package events provides the publish/subscribe bus connecting the
// orchestrator to its outbound surfaces (WebSocket bridge, dashboard,
// MQTT publisher). Events flow one way: components publish, surfaces
// subscribe. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the turn pipeline.
	SourceOrchestrator = "orchestrator"
	// SourceWake identifies events from the MQTT wake intake.
	SourceWake = "wake"
	// SourceSystem identifies events from background monitors.
	SourceSystem = "system"
)

// Kind constants describe the type of event within a source.
const (
	// KindStep signals turn progress.
	// Data: turn_id, step, detail.
	KindStep = "step"
	// KindTranscript signals recognized user speech or typed text.
	// Data: turn_id, text, origin.
	KindTranscript = "transcript"
	// KindTranscriptPartial signals an interim speech-to-text guess
	// relayed from a satellite while the user is still talking.
	// Data: text.
	KindTranscriptPartial = "transcript_partial"
	// KindReply signals the assistant's final reply for a turn.
	// Data: turn_id, text, truncated.
	KindReply = "reply"
	// KindDetections signals fresh scene analysis results.
	// Data: turn_id, description, labels.
	KindDetections = "detections"
	// KindProactive signals an assistant-initiated observation.
	// Data: turn_id, text.
	KindProactive = "proactive"
	// KindStatus signals an orchestrator state change.
	// Data: state, sarcasm.
	KindStatus = "status"
	// KindSystemStatus carries periodic host stats.
	// Data: stats, thermal_warning.
	KindSystemStatus = "system_status"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
