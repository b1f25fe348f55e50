// Package config loads and validates the composer's YAML configuration and
// secrets files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// HostPorts is the inclusive port range expanded into one Backend per port.
type HostPorts struct {
	Start int `yaml:"start" validate:"required,min=1,max=65535"`
	End   int `yaml:"end" validate:"required,min=1,max=65535,gtefield=Start"`
}

// VLLMHost describes one configured host entry, which expands into one
// Backend per port in Ports.
type VLLMHost struct {
	Hostname      string    `yaml:"hostname" validate:"required"`
	Ports         HostPorts `yaml:"ports" validate:"required"`
	AllowedGroups []string  `yaml:"allowed_groups" validate:"required,min=1,dive,required"`
}

// AppSettings holds the tunables under app_settings in config.yml.
type AppSettings struct {
	ModelOwner            string  `yaml:"model_owner" validate:"required"`
	MaxFailures           int     `yaml:"max_failures" validate:"min=1"`
	CooldownPeriodMinutes int     `yaml:"cooldown_period_minutes" validate:"min=0"`
	RequestTimeout        float64 `yaml:"request_timeout" validate:"min=0"`
	LogLevel              string  `yaml:"log_level"`
}

// File is the parsed shape of config.yml.
type File struct {
	VLLMHosts   []VLLMHost  `yaml:"vllm_hosts" validate:"required,min=1,dive"`
	AppSettings AppSettings `yaml:"app_settings"`
}

// Secrets is the parsed shape of secrets.yml.
type Secrets struct {
	Groups      []map[string][]string `yaml:"groups"`
	AdminGroups []string              `yaml:"admin_groups"`
	VLLMToken   string                `yaml:"vllm_token" validate:"required"`
}

// Settings is the fully resolved, validated runtime configuration derived
// from File — defaults applied, durations converted.
type Settings struct {
	ModelOwner     string
	MaxFailures    int
	CooldownPeriod time.Duration
	RequestTimeout time.Duration
	LogLevel       string
}

const (
	defaultMaxFailures    = 3
	defaultCooldownMins   = 5
	defaultRequestTimeout = 5.0
	defaultLogLevel       = "INFO"
)

var validate = validator.New()

// LoadFile parses and validates config.yml at path.
func LoadFile(path string) (File, error) {
	var f File
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	f.applyDefaults()
	if err := validate.Struct(f); err != nil {
		return f, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return f, nil
}

// LoadSecrets parses and validates secrets.yml at path.
func LoadSecrets(path string) (Secrets, error) {
	var s Secrets
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate.Struct(s); err != nil {
		return s, fmt.Errorf("config: validating %s: %w", path, err)
	}
	return s, nil
}

func (f *File) applyDefaults() {
	if f.AppSettings.ModelOwner == "" {
		f.AppSettings.ModelOwner = "unknown"
	}
	if f.AppSettings.MaxFailures == 0 {
		f.AppSettings.MaxFailures = defaultMaxFailures
	}
	if f.AppSettings.CooldownPeriodMinutes == 0 {
		f.AppSettings.CooldownPeriodMinutes = defaultCooldownMins
	}
	if f.AppSettings.RequestTimeout == 0 {
		f.AppSettings.RequestTimeout = defaultRequestTimeout
	}
	if f.AppSettings.LogLevel == "" {
		f.AppSettings.LogLevel = defaultLogLevel
	}
}

// Settings derives the resolved runtime settings from the parsed file.
func (f File) Settings() Settings {
	return Settings{
		ModelOwner:     f.AppSettings.ModelOwner,
		MaxFailures:    f.AppSettings.MaxFailures,
		CooldownPeriod: time.Duration(f.AppSettings.CooldownPeriodMinutes) * time.Minute,
		RequestTimeout: time.Duration(f.AppSettings.RequestTimeout * float64(time.Second)),
		LogLevel:       strings.ToUpper(f.AppSettings.LogLevel),
	}
}

// GroupEntry is one group's token set, in the order the group first appears
// in the secrets file.
type GroupEntry struct {
	Group  string
	Tokens []string
}

// GroupTokens flattens the secrets file's list-of-single-entry-maps shape
// into an ordered list of (group, tokens) pairs. A group name repeated later
// in the file overwrites the tokens of its earlier occurrence but keeps that
// occurrence's position, mirroring the dict-comprehension behaviour of the
// original Python loader (insertion order is preserved across overwrites).
func (s Secrets) GroupTokens() []GroupEntry {
	order := make([]string, 0, len(s.Groups))
	byGroup := make(map[string][]string, len(s.Groups))
	for _, entry := range s.Groups {
		for group, tokens := range entry {
			if _, seen := byGroup[group]; !seen {
				order = append(order, group)
			}
			byGroup[group] = tokens
		}
	}
	out := make([]GroupEntry, 0, len(order))
	for _, group := range order {
		out = append(out, GroupEntry{Group: group, Tokens: byGroup[group]})
	}
	return out
}
