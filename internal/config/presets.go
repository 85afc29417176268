package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"personad/internal/models"
)

// PersonaPreset is one persona definition file. The card itself stays in
// its own JSON file so card tooling can edit it independently.
type PersonaPreset struct {
	Server     string         `yaml:"server"`
	Channel    string         `yaml:"channel"`
	Name       string         `yaml:"name"`
	Connection string         `yaml:"connection"`
	CardPath   string         `yaml:"card"` // relative to the preset file
	Settings   PresetSettings `yaml:"settings"`

	Card *models.Card `yaml:"-"` // resolved from CardPath
}

// PresetSettings mirrors models.PersonaSettings for YAML decoding.
type PresetSettings struct {
	UseResponseGate    bool     `yaml:"use_response_gate"`
	GateConnection     string   `yaml:"gate_connection"`
	GateFallback       string   `yaml:"gate_fallback"`
	GateTimeoutSeconds float64  `yaml:"gate_timeout_seconds"`
	SleepModeEnabled   bool     `yaml:"sleep_mode_enabled"`
	SleepThreshold     int      `yaml:"sleep_threshold"`
	UseLorebook        bool     `yaml:"use_lorebook"`
	LorebookScanDepth  int      `yaml:"lorebook_scan_depth"`
	EnableReplySystem  bool     `yaml:"enable_reply_system"`
	EnableTools        bool     `yaml:"enable_tools"`
	AllowedTools       []string `yaml:"allowed_tools"`
	UserName           string   `yaml:"user_name"`
}

// ToModel converts the YAML shape to the runtime settings struct.
func (s PresetSettings) ToModel() models.PersonaSettings {
	return models.PersonaSettings{
		UseResponseGate:    s.UseResponseGate,
		GateConnection:     s.GateConnection,
		GateFallback:       s.GateFallback,
		GateTimeoutSeconds: s.GateTimeoutSeconds,
		SleepModeEnabled:   s.SleepModeEnabled,
		SleepThreshold:     s.SleepThreshold,
		UseLorebook:        s.UseLorebook,
		LorebookScanDepth:  s.LorebookScanDepth,
		EnableReplySystem:  s.EnableReplySystem,
		EnableTools:        s.EnableTools,
		AllowedTools:       s.AllowedTools,
		UserName:           s.UserName,
	}
}

// Persona builds the runtime persona from the preset.
func (p *PersonaPreset) Persona() *models.Persona {
	return &models.Persona{
		Server:     p.Server,
		Channel:    p.Channel,
		Name:       p.Name,
		Card:       p.Card,
		Connection: p.Connection,
		Sleep:      models.SleepAwake,
		Settings:   p.Settings.ToModel(),
	}
}

// LoadPresets reads every persona preset YAML in dir. A missing directory
// is not an error; the admin API can add personas at runtime.
func LoadPresets(dir string) ([]PersonaPreset, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read presets dir: %w", err)
	}

	var presets []PersonaPreset
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		preset, err := loadPreset(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", entry.Name(), err)
		}
		presets = append(presets, *preset)
	}
	return presets, nil
}

func loadPreset(path string) (*PersonaPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var preset PersonaPreset
	if err := yaml.Unmarshal(data, &preset); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if preset.Name == "" || preset.Server == "" || preset.Channel == "" {
		return nil, fmt.Errorf("server, channel and name are required")
	}
	if preset.CardPath != "" {
		card, err := loadCard(filepath.Join(filepath.Dir(path), preset.CardPath))
		if err != nil {
			return nil, err
		}
		preset.Card = card
	}
	return &preset, nil
}

func loadCard(path string) (*models.Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card: %w", err)
	}
	var card models.Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("parse card JSON: %w", err)
	}
	if card.Name == "" {
		return nil, fmt.Errorf("card has no name")
	}
	return &card, nil
}
