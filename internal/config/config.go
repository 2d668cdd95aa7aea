// Package config loads daemon configuration from an optional YAML file
// and CLUSTERD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CLUSTERD_"

// Config is the full daemon configuration.
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	// Socket is the unix socket path local clients connect to.
	Socket string `yaml:"socket"`
	// NodeAddress is this node's address in Nodes. When empty the first
	// address that can be bound wins.
	NodeAddress string `yaml:"node_address"`
	// Nodes lists every node's peer address; the index is the pnn.
	Nodes []string `yaml:"nodes"`
	// StartDisabled and StartStopped set the initial node flags.
	StartDisabled bool `yaml:"start_disabled"`
	StartStopped  bool `yaml:"start_stopped"`

	MetricsAddr    string `yaml:"metrics_addr"`
	EventScriptDir string `yaml:"event_script_dir"`

	Databases []Database `yaml:"databases"`
	Tunables  Tunables   `yaml:"tunables"`
}

// Database is a database attached at startup.
type Database struct {
	Name       string `yaml:"name"`
	Persistent bool   `yaml:"persistent"`
	Replicated bool   `yaml:"replicated"`
}

// Tunables are the runtime knobs of the dispatch core.
type Tunables struct {
	FetchCollapse           bool          `yaml:"fetch_collapse"`
	DeferredFetchTimeout    time.Duration `yaml:"deferred_fetch_timeout"`
	KeepaliveInterval       time.Duration `yaml:"keepalive_interval"`
	KeepaliveLimit          int           `yaml:"keepalive_limit"`
	ControlTimeout          time.Duration `yaml:"control_timeout"`
	ShutdownTakeoverTimeout time.Duration `yaml:"shutdown_takeover_timeout"`
	ShutdownExtraTimeout    time.Duration `yaml:"shutdown_extra_timeout"`
	ROGrace                 time.Duration `yaml:"ro_grace"`
	MaxHopCount             uint32        `yaml:"max_hop_count"`
	TickleUpdateInterval    time.Duration `yaml:"tickle_update_interval"`
	MaxClients              int           `yaml:"max_clients"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Env:         "prod",
		LogLevel:    "info",
		Socket:      "/var/run/clusterd/clusterd.socket",
		MetricsAddr: ":9464",
		Tunables:    DefaultTunables(),
	}
}

// DefaultTunables returns the stock tunable values.
func DefaultTunables() Tunables {
	return Tunables{
		FetchCollapse:           true,
		DeferredFetchTimeout:    30 * time.Second,
		KeepaliveInterval:       5 * time.Second,
		KeepaliveLimit:          5,
		ControlTimeout:          60 * time.Second,
		ShutdownTakeoverTimeout: 9 * time.Second,
		ShutdownExtraTimeout:    0,
		ROGrace:                 time.Second,
		MaxHopCount:             100,
		TickleUpdateInterval:    20 * time.Second,
		MaxClients:              0,
	}
}

// Load reads path (skipped when empty), fills defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("ENV"); ok {
		c.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := getEnvStr("SOCKET"); ok {
		c.Socket = v
	}
	if v, ok := getEnvStr("NODE_ADDRESS"); ok {
		c.NodeAddress = v
	}
	if v, ok := getEnvCSV("NODES"); ok {
		c.Nodes = v
	}
	if v, ok := getEnvStr("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := getEnvStr("EVENT_SCRIPT_DIR"); ok {
		c.EventScriptDir = v
	}
	if v, ok := getEnvBool("START_DISABLED"); ok {
		c.StartDisabled = v
	}
	if v, ok := getEnvBool("START_STOPPED"); ok {
		c.StartStopped = v
	}

	t := &c.Tunables
	if v, ok := getEnvBool("FETCH_COLLAPSE"); ok {
		t.FetchCollapse = v
	}
	if v, ok := getEnvDur("DEFERRED_FETCH_TIMEOUT"); ok {
		t.DeferredFetchTimeout = v
	}
	if v, ok := getEnvDur("KEEPALIVE_INTERVAL"); ok {
		t.KeepaliveInterval = v
	}
	if v, ok := getEnvInt("KEEPALIVE_LIMIT"); ok {
		t.KeepaliveLimit = v
	}
	if v, ok := getEnvDur("CONTROL_TIMEOUT"); ok {
		t.ControlTimeout = v
	}
	if v, ok := getEnvDur("SHUTDOWN_TAKEOVER_TIMEOUT"); ok {
		t.ShutdownTakeoverTimeout = v
	}
	if v, ok := getEnvDur("SHUTDOWN_EXTRA_TIMEOUT"); ok {
		t.ShutdownExtraTimeout = v
	}
	if v, ok := getEnvDur("RO_GRACE"); ok {
		t.ROGrace = v
	}
	if v, ok := getEnvInt("MAX_HOP_COUNT"); ok && v >= 0 {
		t.MaxHopCount = uint32(v)
	}
	if v, ok := getEnvDur("TICKLE_UPDATE_INTERVAL"); ok {
		t.TickleUpdateInterval = v
	}
	if v, ok := getEnvInt("MAX_CLIENTS"); ok {
		t.MaxClients = v
	}
}

// Validate checks the values the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Socket) == "" {
		errs = append(errs, errors.New("socket path is required"))
	}
	if len(c.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node address is required"))
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n] {
			errs = append(errs, fmt.Errorf("duplicate node address %q", n))
		}
		seen[n] = true
	}
	if c.NodeAddress != "" && !seen[c.NodeAddress] {
		errs = append(errs, fmt.Errorf("node_address %q is not in nodes", c.NodeAddress))
	}
	t := c.Tunables
	if t.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("keepalive_interval must be positive"))
	}
	if t.KeepaliveLimit <= 0 {
		errs = append(errs, errors.New("keepalive_limit must be positive"))
	}
	if t.DeferredFetchTimeout <= 0 {
		errs = append(errs, errors.New("deferred_fetch_timeout must be positive"))
	}
	if t.ControlTimeout < 0 || t.ShutdownTakeoverTimeout < 0 || t.ShutdownExtraTimeout < 0 || t.ROGrace < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if t.MaxClients < 0 {
		errs = append(errs, errors.New("max_clients must not be negative"))
	}
	dbs := make(map[string]bool, len(c.Databases))
	for _, db := range c.Databases {
		if db.Name == "" {
			errs = append(errs, errors.New("database name is required"))
			continue
		}
		if dbs[db.Name] {
			errs = append(errs, fmt.Errorf("duplicate database %q", db.Name))
		}
		dbs[db.Name] = true
	}
	return errors.Join(errs...)
}
