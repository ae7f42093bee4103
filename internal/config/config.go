// Package config loads the teleprobe server configuration: the set of
// targets it can run firmware on and the auth rules that gate access to
// them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultDefaultTimeout = 10
	defaultMaxTimeout     = 60

	defaultCycleDelaySeconds   = 0.5
	defaultMaxSettleTimeMillis = 20000
)

// Config is the top-level YAML document.
type Config struct {
	Targets        []Target `yaml:"targets"`
	Auths          []Auth   `yaml:"auths"`
	DefaultTimeout uint64   `yaml:"default_timeout"`
	MaxTimeout     uint64   `yaml:"max_timeout"`
}

// Target describes one runnable target: a chip, a probe selector, and the
// probe-connect flags needed to reach it.
type Target struct {
	Name                string        `yaml:"name" json:"name"`
	Chip                string        `yaml:"chip" json:"chip"`
	Probe               ProbeSelector `yaml:"probe" json:"probe"`
	ConnectUnderReset   bool          `yaml:"connect_under_reset" json:"connect_under_reset"`
	Speed               *uint32       `yaml:"speed" json:"speed,omitempty"`
	PowerReset          bool          `yaml:"power_reset" json:"power_reset"`
	CycleDelaySeconds   float64       `yaml:"cycle_delay_seconds" json:"cycle_delay_seconds"`
	MaxSettleTimeMillis int           `yaml:"max_settle_time_millis" json:"max_settle_time_millis"`
}

// Auth is a tagged union over the two supported auth mechanisms: it
// unmarshals from `{oidc: {...}}` or `{token: {...}}` YAML mappings.
type Auth struct {
	Oidc  *OidcAuth  `yaml:"oidc,omitempty"`
	Token *TokenAuth `yaml:"token,omitempty"`
}

// Kind returns a short label for logging, matching the Rust Display impl.
func (a Auth) Kind() string {
	switch {
	case a.Oidc != nil:
		return "OIDC"
	case a.Token != nil:
		return "Token"
	default:
		return "unknown"
	}
}

// OidcAuth validates bearer tokens as OIDC-issued JWTs against an issuer's
// discovery document and JWKS, then checks the decoded claims against Rules.
type OidcAuth struct {
	Issuer string         `yaml:"issuer"`
	Rules  []OidcAuthRule `yaml:"rules"`
}

// OidcAuthRule grants access when every claim in Claims matches the token's
// claims exactly. An empty Claims map matches any validated token.
type OidcAuthRule struct {
	Claims map[string]string `yaml:"claims"`
}

// TokenAuth grants access to any request bearing this exact static token.
type TokenAuth struct {
	Token string `yaml:"token"`
}

// Load reads and parses a config file at path, applying the documented
// defaults for default_timeout and max_timeout when the file omits them.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	// yaml.v3 has no per-field "was this key present" hook short of
	// unmarshalling into a map first, so detect presence that way.
	var probe map[string]interface{}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, ok := probe["default_timeout"]; !ok {
		cfg.DefaultTimeout = defaultDefaultTimeout
	}
	if _, ok := probe["max_timeout"]; !ok {
		cfg.MaxTimeout = defaultMaxTimeout
	}
	rawTargets, _ := probe["targets"].([]interface{})
	for i := range cfg.Targets {
		if cfg.Targets[i].Name == "" {
			return nil, fmt.Errorf("config %s: target %d missing name", path, i)
		}

		var raw map[string]interface{}
		if i < len(rawTargets) {
			raw, _ = rawTargets[i].(map[string]interface{})
		}
		if _, ok := raw["cycle_delay_seconds"]; !ok {
			cfg.Targets[i].CycleDelaySeconds = defaultCycleDelaySeconds
		}
		if _, ok := raw["max_settle_time_millis"]; !ok {
			cfg.Targets[i].MaxSettleTimeMillis = defaultMaxSettleTimeMillis
		}
	}
	return &cfg, nil
}

// FindTarget returns the target with the given name, or false if none
// matches.
func (c *Config) FindTarget(name string) (Target, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}
