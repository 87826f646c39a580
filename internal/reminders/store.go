// Package reminders provides the file-backed reminder store. Reminders
// are user-created facts with an optional time string; their lifetime
// is independent of conversation turns.
package reminders

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Reminder is one user-created reminder.
type Reminder struct {
	Text string `json:"text"`
	Time string `json:"time,omitempty"` // freeform, e.g. "14:00" or "tomorrow"
	Done bool   `json:"done"`
}

// Store is a JSON-file-backed reminder list, addressed by index. The
// file is small and rewritten whole on every mutation; a mutex keeps
// tool calls and REST handlers from interleaving writes.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store rooted at dataDir/reminders.json.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "reminders.json")}
}

// List returns all reminders in stored order.
func (s *Store) List() ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Add appends one reminder.
func (s *Store) Add(text, timeStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return err
	}
	items = append(items, Reminder{Text: text, Time: timeStr})
	return s.save(items)
}

// Toggle flips the done flag at index and returns the new value.
func (s *Store) Toggle(index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return false, err
	}
	if index < 0 || index >= len(items) {
		return false, fmt.Errorf("reminder index %d out of range (have %d)", index, len(items))
	}
	items[index].Done = !items[index].Done
	if err := s.save(items); err != nil {
		return false, err
	}
	return items[index].Done, nil
}

// Delete removes the reminder at index and returns it.
func (s *Store) Delete(index int) (Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.load()
	if err != nil {
		return Reminder{}, err
	}
	if index < 0 || index >= len(items) {
		return Reminder{}, fmt.Errorf("reminder index %d out of range (have %d)", index, len(items))
	}
	removed := items[index]
	items = append(items[:index], items[index+1:]...)
	if err := s.save(items); err != nil {
		return Reminder{}, err
	}
	return removed, nil
}

// FormatForPrompt renders pending reminders as a single semicolon-joined
// line for prompt injection, capped at maxItems. Returns "" when there
// is nothing pending.
func FormatForPrompt(items []Reminder, maxItems int) string {
	var pending []string
	for _, r := range items {
		if r.Done {
			continue
		}
		pending = append(pending, r.Text)
		if len(pending) >= maxItems {
			break
		}
	}
	return strings.Join(pending, "; ")
}

func (s *Store) load() ([]Reminder, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reminders: %w", err)
	}

	var items []Reminder
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse reminders: %w", err)
	}
	return items, nil
}

func (s *Store) save(items []Reminder) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write reminders: %w", err)
	}
	return nil
}
