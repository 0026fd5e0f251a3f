package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SLAPolicyFile is the on-disk shape of the SLA policy:
//
//	warning_margin: 30m
//	windows:
//	  critical: 4h
//	  high: 8h
//	  medium: 24h
//	  low: 72h
type SLAPolicyFile struct {
	WarningMargin string            `yaml:"warning_margin"`
	Windows       map[string]string `yaml:"windows"`
}

// SLAPolicySettings is the parsed policy. Windows are keyed by the
// upper-cased priority name.
type SLAPolicySettings struct {
	WarningMargin time.Duration
	Windows       map[string]time.Duration
}

// LoadSLAPolicy reads a YAML policy file. An empty path yields empty
// settings, leaving the built-in defaults in place.
func LoadSLAPolicy(path string) (SLAPolicySettings, error) {
	if path == "" {
		return SLAPolicySettings{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return SLAPolicySettings{}, fmt.Errorf("read sla policy: %w", err)
	}
	return ParseSLAPolicy(raw)
}

// ParseSLAPolicy decodes policy YAML.
func ParseSLAPolicy(raw []byte) (SLAPolicySettings, error) {
	var file SLAPolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return SLAPolicySettings{}, fmt.Errorf("parse sla policy: %w", err)
	}

	settings := SLAPolicySettings{Windows: make(map[string]time.Duration, len(file.Windows))}
	if file.WarningMargin != "" {
		margin, err := time.ParseDuration(file.WarningMargin)
		if err != nil {
			return SLAPolicySettings{}, fmt.Errorf("sla policy warning_margin: %w", err)
		}
		if margin < 0 {
			return SLAPolicySettings{}, fmt.Errorf("sla policy warning_margin must not be negative")
		}
		settings.WarningMargin = margin
	}
	for name, value := range file.Windows {
		window, err := time.ParseDuration(value)
		if err != nil {
			return SLAPolicySettings{}, fmt.Errorf("sla policy window %q: %w", name, err)
		}
		if window <= 0 {
			return SLAPolicySettings{}, fmt.Errorf("sla policy window %q must be positive", name)
		}
		settings.Windows[strings.ToUpper(strings.TrimSpace(name))] = window
	}
	return settings, nil
}
