// Package persona holds the assistant's fixed voice: canned fallback
// lines, the joke rotation, and the runtime sarcasm switch. Keeping
// these strings in one place means every surface (speech, websocket,
// REST) fails with the same manners.
package persona

import (
	"math/rand"
	"sync"
)

// Canned lines for failure paths. These are spoken verbatim so the
// user always gets a reply, even when the pipeline does not.
const (
	NoTranscript   = "I didn't catch that, Sir."
	Glitch         = "Brief glitch, Sir — please try again."
	CannotComplete = "I'm unable to complete that, Sir."
)

var jokes = []string{
	"I would tell you a UDP joke, Sir, but you might not get it.",
	"I'm on a strict diet of electrons, Sir. Low calorie, high voltage.",
	"My uptime is longer than most of your houseplants' lifespans, Sir.",
	"I'd say I never sleep, Sir, but we both know about the power cuts.",
	"Why did the robot go back to school, Sir? Its skills were getting rusty.",
}

// State is the mutable persona state, safe for concurrent use.
type State struct {
	mu      sync.Mutex
	sarcasm bool
}

// NewState creates persona state with the given initial sarcasm mode.
func NewState(sarcasm bool) *State {
	return &State{sarcasm: sarcasm}
}

// Sarcasm reports whether sarcasm mode is on.
func (s *State) Sarcasm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sarcasm
}

// ToggleSarcasm flips sarcasm mode and returns the new value.
func (s *State) ToggleSarcasm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sarcasm = !s.sarcasm
	return s.sarcasm
}

// SetSarcasm sets sarcasm mode explicitly.
func (s *State) SetSarcasm(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sarcasm = on
}

// Joke returns a random line from the rotation.
func (s *State) Joke() string {
	return jokes[rand.Intn(len(jokes))]
}
