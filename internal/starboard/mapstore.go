package starboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/discord-voice-copilot/internal/fsio"
)

// Entry links a starred source message to its starboard post.
type Entry struct {
	StarboardMessageID string `json:"starboardMessageId"`
	Count              int    `json:"count"`
}

// UnmarshalJSON accepts both the current object form and the legacy layout
// where the value was the starboard message ID as a bare string.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.StarboardMessageID = s
		e.Count = 0
		return nil
	}
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// MapStore persists one JSON file per guild under dir, mapping source
// message IDs to starboard entries.
type MapStore struct {
	mu  sync.Mutex
	dir string
}

func NewMapStore(dir string) *MapStore {
	return &MapStore{dir: dir}
}

func (m *MapStore) path(guildID string) string {
	return filepath.Join(m.dir, guildID+".json")
}

func (m *MapStore) load(guildID string) (map[string]Entry, error) {
	data, err := os.ReadFile(m.path(guildID))
	if os.IsNotExist(err) {
		return make(map[string]Entry), nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("starboard: parse %s: %w", m.path(guildID), err)
	}
	return out, nil
}

func (m *MapStore) save(guildID string, entries map[string]Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return fsio.SaveFileAtomic(m.path(guildID), data, 0o644)
}

// Get returns the entry for sourceMessageID, or false when unmapped.
func (m *MapStore) Get(guildID, sourceMessageID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load(guildID)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := entries[sourceMessageID]
	return e, ok, nil
}

// Set records or updates the mapping for sourceMessageID.
func (m *MapStore) Set(guildID, sourceMessageID string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load(guildID)
	if err != nil {
		return err
	}
	entries[sourceMessageID] = e
	return m.save(guildID, entries)
}

// Delete removes the mapping for sourceMessageID, if any.
func (m *MapStore) Delete(guildID, sourceMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.load(guildID)
	if err != nil {
		return err
	}
	if _, ok := entries[sourceMessageID]; !ok {
		return nil
	}
	delete(entries, sourceMessageID)
	return m.save(guildID, entries)
}
