// Package config loads the per-service configuration: baked-in
// defaults from default_config.json with operator overrides from
// config.json merged on top, top-level key by top-level key.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// load reads default_config.json from dir and merges the override
// file. A missing override file is fine; a
// malformed one is not.
func load(dir, envVar string, out any) error {
	merged := map[string]json.RawMessage{}

	defaultsPath := filepath.Join(dir, "default_config.json")
	if err := readInto(defaultsPath, merged); err != nil {
		return err
	}

	overridePath := os.Getenv(envVar)
	if overridePath == "" {
		overridePath = filepath.Join(dir, "config.json")
	}
	if err := readInto(overridePath, merged); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func readInto(path string, merged map[string]json.RawMessage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	keys := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse %q: %w", path, err)
	}

	for key, value := range keys {
		merged[key] = value
	}
	return nil
}

// Expo is the Curator's configuration.
type Expo struct {
	DBPath       string              `json:"DB_PATH"`
	PostCommands map[string][]string `json:"POST_COMMANDS"`
}

func LoadExpo(dir string) (*Expo, error) {
	cfg := &Expo{}
	if err := load(dir, "EXPO_CONFIG_PATH", cfg); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		return nil, errors.New("DB_PATH is not configured")
	}
	if cfg.PostCommands == nil {
		cfg.PostCommands = map[string][]string{}
	}
	return cfg, nil
}

// WriterOption describes one quantizer option the agent's form offers.
type WriterOption struct {
	Type        string `json:"type"`
	Default     any    `json:"default"`
	Enum        []any  `json:"enum,omitempty"`
	Placeholder any    `json:"placeholder,omitempty"`
	DisplayName string `json:"display_name"`
}

// Affiche is the Display Agent's configuration.
type Affiche struct {
	TempPath                       string                  `json:"TEMP_PATH"`
	DisplayWriterCommand           []string                `json:"DISPLAY_WRITER_COMMAND"`
	DisplayWriterOptionsSchemaPath string                  `json:"DISPLAY_WRITER_OPTIONS_SCHEMA_PATH"`
	DisplayWriterOptions           map[string]WriterOption `json:"DISPLAY_WRITER_OPTIONS"`
	ExpoAddress                    string                  `json:"EXPO_ADDRESS"`
	MapTiles                       map[string]any          `json:"MAP_TILES"`
}

func LoadAffiche(dir string) (*Affiche, error) {
	cfg := &Affiche{}
	if err := load(dir, "AFFICHE_CONFIG_PATH", cfg); err != nil {
		return nil, err
	}

	if cfg.TempPath == "" {
		cfg.TempPath = "temp"
	}
	if len(cfg.DisplayWriterCommand) == 0 {
		return nil, errors.New("DISPLAY_WRITER_COMMAND is not configured")
	}
	if cfg.DisplayWriterOptions == nil {
		cfg.DisplayWriterOptions = map[string]WriterOption{}
	}
	if cfg.MapTiles == nil {
		cfg.MapTiles = map[string]any{}
	}
	return cfg, nil
}
