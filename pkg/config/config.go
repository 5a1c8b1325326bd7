package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sdrctf/challengectl/pkg/freq"
	"github.com/sdrctf/challengectl/pkg/types"
)

// Config is the controller's YAML configuration file.
type Config struct {
	Listen    string `yaml:"listen"`
	TLSCert   string `yaml:"tls_cert,omitempty"`
	TLSKey    string `yaml:"tls_key,omitempty"`
	DataDir   string `yaml:"data_dir"`
	StoreDir  string `yaml:"artifact_dir,omitempty"`
	LogLevel  string `yaml:"log_level,omitempty"`
	LogJSON   bool   `yaml:"log_json,omitempty"`
	PublicURL string `yaml:"public_url,omitempty"`

	Conference Conference `yaml:"conference,omitempty"`

	RecordingThreshold float64 `yaml:"recording_threshold,omitempty"`

	Ranges     []types.FreqRange `yaml:"ranges,omitempty"`
	Challenges []ChallengeSpec   `yaml:"challenges,omitempty"`
}

// Conference holds event metadata and the daily transmission window.
// Start and Stop are the event dates, informational only; the scheduler
// gates on the daily window.
type Conference struct {
	Name       string `yaml:"name,omitempty"`
	Start      string `yaml:"start,omitempty"` // "2006-01-02"
	Stop       string `yaml:"stop,omitempty"`
	Timezone   string `yaml:"timezone,omitempty"`
	DailyStart string `yaml:"daily_start,omitempty"` // "HH:MM"
	DailyStop  string `yaml:"daily_stop,omitempty"`
}

// ChallengeSpec is the YAML shape of one challenge definition.
type ChallengeSpec struct {
	Name     string                `yaml:"name"`
	Priority int                   `yaml:"priority,omitempty"`
	Enabled  *bool                 `yaml:"enabled,omitempty"`
	Config   types.ChallengeConfig `yaml:",inline"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8443"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.StoreDir == "" {
		c.StoreDir = c.DataDir + "/artifacts"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for internal consistency: range
// definitions must form a valid catalog and every challenge spec must
// resolve against it.
func (c *Config) Validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}

	catalog, err := freq.NewCatalog(c.Ranges)
	if err != nil {
		return fmt.Errorf("invalid range definitions: %w", err)
	}

	seen := make(map[string]bool, len(c.Challenges))
	for i := range c.Challenges {
		spec := &c.Challenges[i]
		if spec.Name == "" {
			return fmt.Errorf("challenge %d: name required", i)
		}
		if seen[spec.Name] {
			return fmt.Errorf("challenge %q: duplicate name", spec.Name)
		}
		seen[spec.Name] = true

		if err := catalog.ValidateSpec(&spec.Config); err != nil {
			return fmt.Errorf("challenge %q: %w", spec.Name, err)
		}
		if spec.Config.MinDelay < 0 || spec.Config.MaxDelay < spec.Config.MinDelay {
			return fmt.Errorf("challenge %q: delay window invalid", spec.Name)
		}
	}

	var start, stop time.Time
	if d := c.Conference.Start; d != "" {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return fmt.Errorf("conference start %q: expected YYYY-MM-DD", d)
		}
		start = t
	}
	if d := c.Conference.Stop; d != "" {
		t, err := time.Parse("2006-01-02", d)
		if err != nil {
			return fmt.Errorf("conference stop %q: expected YYYY-MM-DD", d)
		}
		stop = t
	}
	if !start.IsZero() && !stop.IsZero() && stop.Before(start) {
		return fmt.Errorf("conference stop %q before start %q", c.Conference.Stop, c.Conference.Start)
	}

	if tz := c.Conference.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("conference timezone %q: %w", tz, err)
		}
	}
	for _, hm := range []string{c.Conference.DailyStart, c.Conference.DailyStop} {
		if hm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hm); err != nil {
			return fmt.Errorf("daily window %q: expected HH:MM", hm)
		}
	}
	if (c.Conference.DailyStart == "") != (c.Conference.DailyStop == "") {
		return fmt.Errorf("daily_start and daily_stop must be set together")
	}
	return nil
}

// Catalog builds the frequency range catalog.
func (c *Config) Catalog() (*freq.Catalog, error) {
	return freq.NewCatalog(c.Ranges)
}

// Enabled reports the effective enabled flag of a spec (default true).
func (s *ChallengeSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}
