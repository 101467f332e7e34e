// Package prompts holds the hot-reloadable agent configuration: system prompts
// and session budgets. Readers take an immutable Snapshot; a reload never
// mutates a snapshot already handed out.
package prompts

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Snapshot is one version of the agent configuration. It is a value type with
// no reference fields, so a copy is fully independent of later reloads.
type Snapshot struct {
	Version            uint64
	LoadedAt           time.Time
	SystemPrompt       string
	SuggesterPrompt    string
	MaxTurns           int
	MaxDuration        time.Duration
	MaxTokens          int
	SuggesterMaxTokens int
	Temperature        float64
}

// file is the YAML shape of the prompts file. Zero values fall back to the base snapshot.
type file struct {
	SystemPrompt       string   `yaml:"system_prompt"`
	SuggesterPrompt    string   `yaml:"suggester_prompt"`
	MaxTurns           int      `yaml:"max_turns"`
	MaxDuration        Duration `yaml:"max_duration"`
	MaxTokens          int      `yaml:"max_tokens"`
	SuggesterMaxTokens int      `yaml:"suggester_max_tokens"`
	Temperature        float64  `yaml:"temperature"`
}

// Duration accepts "90s"-style strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Parse overlays the YAML document data on base.
func Parse(data []byte, base Snapshot) (Snapshot, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Snapshot{}, fmt.Errorf("prompts: parse: %w", err)
	}
	s := base
	if f.SystemPrompt != "" {
		s.SystemPrompt = f.SystemPrompt
	}
	if f.SuggesterPrompt != "" {
		s.SuggesterPrompt = f.SuggesterPrompt
	}
	if f.MaxTurns > 0 {
		s.MaxTurns = f.MaxTurns
	}
	if f.MaxDuration > 0 {
		s.MaxDuration = time.Duration(f.MaxDuration)
	}
	if f.MaxTokens > 0 {
		s.MaxTokens = f.MaxTokens
	}
	if f.SuggesterMaxTokens > 0 {
		s.SuggesterMaxTokens = f.SuggesterMaxTokens
	}
	if f.Temperature > 0 {
		s.Temperature = f.Temperature
	}
	return s, nil
}

// Store serves the current snapshot and swaps in a new version on Reload.
type Store struct {
	path   string
	base   Snapshot
	logger zerolog.Logger

	mu      sync.RWMutex
	current Snapshot
}

// NewStore loads path (if non-empty) over base and returns a store at version 1.
func NewStore(path string, base Snapshot, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		base:   base,
		logger: logger.With().Str("component", "prompts").Logger(),
	}
	base.Version = 0
	s.current = base
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the latest snapshot.
func (s *Store) Current() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Path returns the watched file path, or "" when running on defaults.
func (s *Store) Path() string { return s.path }

// Reload rereads the prompts file and publishes it as a new version.
// On error the previous snapshot stays current.
func (s *Store) Reload() error {
	next := s.base
	if s.path != "" {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return fmt.Errorf("prompts: read %s: %w", s.path, err)
		}
		next, err = Parse(data, s.base)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	next.Version = s.current.Version + 1
	next.LoadedAt = time.Now()
	s.current = next
	s.mu.Unlock()

	s.logger.Info().Uint64("version", next.Version).Int("max_turns", next.MaxTurns).
		Dur("max_duration", next.MaxDuration).Msg("prompts loaded")
	return nil
}
