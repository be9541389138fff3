package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes Go duration strings ("30s", "5m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RunProfile is a named backfill configuration kept in YAML, so operators
// can rerun a historical ingestion without reassembling environment
// variables. Values set in the profile override the environment config.
type RunProfile struct {
	Name        string   `yaml:"name" json:"name"`
	TraceID     string   `yaml:"trace_id" json:"trace_id"`
	Seed        int64    `yaml:"seed" json:"seed"`
	EventsFile  string   `yaml:"events_file,omitempty" json:"events_file,omitempty"`
	PageSize    int      `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	ToSlot      int64    `yaml:"to_slot,omitempty" json:"to_slot,omitempty"`
	MaxPages    int      `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	RateLimit   float64  `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	DedupWindow Duration `yaml:"dedup_window,omitempty" json:"dedup_window,omitempty"`
}

// LoadProfile loads a run profile by name from the profiles directory.
// It looks for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*RunProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile RunProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	if profile.TraceID == "" {
		return nil, fmt.Errorf("profile %q: trace_id is required", name)
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory,
// keyed by profile name.
func LoadAllProfiles(profilesDir string) (map[string]*RunProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RunProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RunProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile onto an environment config. Zero-valued
// profile fields leave the config untouched.
func (p *RunProfile) Apply(cfg *Config) {
	if p.TraceID != "" {
		cfg.TraceID = p.TraceID
	}
	if p.Seed != 0 {
		cfg.Seed = p.Seed
	}
	if p.EventsFile != "" {
		cfg.EventsFile = p.EventsFile
	}
	if p.PageSize > 0 {
		cfg.PageSize = p.PageSize
	}
	if p.ToSlot > 0 {
		cfg.ToSlot = p.ToSlot
	}
	if p.RateLimit > 0 {
		cfg.RateLimit = p.RateLimit
	}
	if p.DedupWindow > 0 {
		cfg.DedupWindow = time.Duration(p.DedupWindow)
	}
}
