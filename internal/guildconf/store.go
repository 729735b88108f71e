// Package guildconf persists per-guild settings in a single guilds.json
// file. Settings are addressed by dotted paths like "starboard.channel" or
// "voice.silence_duration"; unknown guilds get a copy of the defaults on
// first access.
package guildconf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/fsio"
	"github.com/discord-voice-copilot/internal/logging"
)

// Defaults returns the settings a new guild starts with.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"starboard": map[string]interface{}{
			"channel": "",
		},
		"voice": map[string]interface{}{},
	}
}

// Store is the in-memory view of guilds.json, kept consistent with disk:
// every mutation saves atomically, and Watch reloads when the file changes
// underneath us (manual edits, other processes).
type Store struct {
	mu      sync.RWMutex
	path    string
	configs map[string]map[string]interface{}

	watcher *fsnotify.Watcher
}

// Open loads guilds.json from path, creating an empty file when absent.
func Open(path string) (*Store, error) {
	s := &Store{path: path, configs: make(map[string]map[string]interface{})}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("guildconf: create %s: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("guildconf: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.configs); err != nil {
			return nil, fmt.Errorf("guildconf: parse %s: %w", path, err)
		}
	}
	logging.Infow("guild configs loaded", "path", path, "guilds", len(s.configs))
	return s, nil
}

// save writes the full map; callers hold at least a read lock on s.mu or are
// the only owner.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.configs, "", "  ")
	if err != nil {
		return err
	}
	return fsio.SaveFileAtomic(s.path, data, 0o644)
}

// Guild returns the settings for guildID, creating and persisting the
// defaults for a guild seen for the first time.
func (s *Store) Guild(guildID string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guildLocked(guildID)
}

func (s *Store) guildLocked(guildID string) map[string]interface{} {
	if cfg, ok := s.configs[guildID]; ok {
		return cfg
	}
	cfg := Defaults()
	s.configs[guildID] = cfg
	if err := s.save(); err != nil {
		logging.Errorw("failed to persist new guild config", "guild_id", guildID, "err", err)
	} else {
		logging.Infow("created default config for guild", "guild_id", guildID)
	}
	return cfg
}

// Get resolves a dotted settings path. The second return is false when any
// segment is missing.
func (s *Store) Get(guildID, path string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value interface{} = s.guildLocked(guildID)
	for _, key := range strings.Split(path, ".") {
		m, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if value, ok = m[key]; !ok {
			return nil, false
		}
	}
	return value, true
}

// Set writes a dotted settings path, creating intermediate objects as
// needed, and persists the store.
func (s *Store) Set(guildID, path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("guildconf: empty settings path")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := strings.Split(path, ".")
	target := s.guildLocked(guildID)
	for _, key := range keys[:len(keys)-1] {
		next, ok := target[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			target[key] = next
		}
		target = next
	}
	target[keys[len(keys)-1]] = value
	if err := s.save(); err != nil {
		return fmt.Errorf("guildconf: set %s: %w", path, err)
	}
	logging.Infow("guild setting updated", "guild_id", guildID, "path", path)
	return nil
}

// Reset restores guildID to the defaults.
func (s *Store) Reset(guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[guildID] = Defaults()
	if err := s.save(); err != nil {
		return fmt.Errorf("guildconf: reset %s: %w", guildID, err)
	}
	return nil
}

// Delete forgets guildID entirely.
func (s *Store) Delete(guildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, guildID)
	if err := s.save(); err != nil {
		return fmt.Errorf("guildconf: delete %s: %w", guildID, err)
	}
	return nil
}

// AvailableSettings lists the dotted paths of every leaf in the defaults,
// sorted, for the settings help command.
func AvailableSettings() []string {
	var paths []string
	var walk func(m map[string]interface{}, prefix string)
	walk = func(m map[string]interface{}, prefix string) {
		for key, v := range m {
			p := key
			if prefix != "" {
				p = prefix + "." + key
			}
			if child, ok := v.(map[string]interface{}); ok && len(child) > 0 {
				walk(child, p)
			} else {
				paths = append(paths, p)
			}
		}
	}
	walk(Defaults(), "")
	sort.Strings(paths)
	return paths
}

// AudioOverlay applies a guild's "voice.*" overrides on top of the base
// audio config. Unknown keys are ignored; JSON numbers arrive as float64.
func (s *Store) AudioOverlay(guildID string, base config.Audio) config.Audio {
	out := base
	overlayInt := func(path string, dst *int) {
		v, ok := s.Get(guildID, path)
		if !ok {
			return
		}
		switch n := v.(type) {
		case float64:
			*dst = int(n)
		case int:
			*dst = n
		}
	}
	overlayInt("voice.buffer_threshold", &out.BufferThreshold)
	overlayInt("voice.min_speech_duration", &out.MinDuration)
	overlayInt("voice.silence_duration", &out.SilenceDuration)
	overlayInt("voice.noise_gate", &out.NoiseGate)
	if v, ok := s.Get(guildID, "voice.min_volume"); ok {
		switch n := v.(type) {
		case float64:
			out.MinVolume = n
		case int:
			out.MinVolume = float64(n)
		}
	}
	return out
}

// Watch reloads the store when guilds.json changes on disk. It returns after
// starting the watch goroutine; cancel ctx to stop.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("guildconf: watch: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("guildconf: watch %s: %w", s.path, err)
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reload()
				// The atomic rename replaces the watched inode.
				_ = watcher.Add(s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnw("guild config watcher error", "err", err)
			}
		}
	}()
	return nil
}

func (s *Store) reload() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		logging.Warnw("guild config reload failed", "err", err)
		return
	}
	fresh := make(map[string]map[string]interface{})
	if err := json.Unmarshal(data, &fresh); err != nil {
		logging.Warnw("guild config reload: bad JSON, keeping previous", "err", err)
		return
	}
	s.mu.Lock()
	s.configs = fresh
	s.mu.Unlock()
	logging.Infow("guild configs reloaded", "guilds", len(fresh))
}
