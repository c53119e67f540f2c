package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const StateFileName = "state.yaml"

// State is what the probe remembers between restarts.
type State struct {
	ProbeID   string    `yaml:"probe_id"`
	CreatedAt time.Time `yaml:"created_at"`
	Central   string    `yaml:"central"`
}

func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

func LoadState(ctx context.Context, dir string) (State, error) {
	var state State
	path := StatePath(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("read state file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse state file %q: %w", path, err)
	}

	return state, nil
}

// SaveState replaces the state file atomically.
func SaveState(ctx context.Context, dir string, state State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure state dir %q: %w", dir, err)
	}

	path := StatePath(dir)
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit state file %q: %w", path, err)
	}

	return nil
}

// EnsureProbeID fills cfg.Probe.ID when it is unset, reusing the id stored in
// the data dir or minting and persisting a new one.
func EnsureProbeID(ctx context.Context, cfg *Config, now func() time.Time) error {
	if cfg.Probe.ID != "" {
		return nil
	}
	state, err := LoadState(ctx, cfg.Probe.DataDir)
	switch {
	case err == nil && state.ProbeID != "":
		cfg.Probe.ID = state.ProbeID
		return nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return err
	}
	if now == nil {
		now = time.Now
	}
	state = State{
		ProbeID:   "probe-" + uuid.NewString(),
		CreatedAt: now().UTC(),
		Central:   cfg.Central.URL,
	}
	if err := SaveState(ctx, cfg.Probe.DataDir, state); err != nil {
		return err
	}
	cfg.Probe.ID = state.ProbeID
	return nil
}
