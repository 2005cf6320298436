// Package config loads YAML configuration for the edge proxy and manager
// binaries. Both read the same file shape; missing files fall back to
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caua1503/forwardproxy/pkg/constants"
)

// Credential is the optional fixed Proxy-Authorization credential.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Firewall is the optional allow/block/no-auth-required host triple.
type Firewall struct {
	Allow          []string `yaml:"allow"`
	Block          []string `yaml:"block"`
	NoAuthRequired []string `yaml:"no_auth_required"`
}

// Upstream describes one manager upstream entry before normalization.
type Upstream struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
	Priority       int    `yaml:"priority"`
}

// Config is the top-level configuration shared by the edge proxy and
// manager binaries. Both read the same file shape; the manager additionally
// honors Upstreams, TimeoutTest, UpdateTimeout, and BatchSize.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Backlog        int           `yaml:"backlog"`
	MaxConnections int           `yaml:"max_connections"`
	Debug          bool          `yaml:"debug"`
	Credential     *Credential   `yaml:"credential"`
	Firewall       *Firewall     `yaml:"firewall"`
	Upstreams      []Upstream    `yaml:"upstreams"`

	// Timeout/TimeoutTest/UpdateTimeout are resolved from their YAML string
	// forms ("15s", "2s", ...) by load, not by a direct yaml tag: yaml.v3
	// decodes a bare time.Duration as an int64 count of nanoseconds, which
	// would reject the duration-string format the config file uses.
	Timeout       time.Duration `yaml:"-"`
	TimeoutTest   time.Duration `yaml:"-"`
	UpdateTimeout time.Duration `yaml:"-"`
	BatchSize     int           `yaml:"batch_size"`

	// ProxyServerHost/Port describe a co-hosted edge proxy to fold into the
	// manager's upstream pool, subject to loop prevention.
	ProxyServerHost string `yaml:"proxy_server_host"`
	ProxyServerPort int    `yaml:"proxy_server_port"`
}

// defaultEdge and defaultManager seed Load's return value before the file
// (if any) overrides fields present in it.
func defaultEdge() Config {
	return Config{
		Host:           constants.DefaultListenHost,
		Port:           constants.DefaultEdgePort,
		Backlog:        constants.DefaultEdgeBacklog,
		MaxConnections: constants.DefaultMaxConnections,
		Timeout:        constants.DefaultClientHeaderTimeout,
	}
}

func defaultManager() Config {
	cfg := defaultEdge()
	cfg.Port = constants.DefaultManagerPort
	cfg.TimeoutTest = constants.DefaultHealthProbeTimeout
	cfg.UpdateTimeout = constants.DefaultHealthPassInterval
	cfg.BatchSize = constants.DefaultHealthBatchSize
	return cfg
}

// LoadEdge reads a YAML config file for the edge proxy, falling back to
// in-memory defaults when path is empty or does not exist.
func LoadEdge(path string) (*Config, error) {
	return load(path, defaultEdge())
}

// LoadManager reads a YAML config file for the manager, falling back to
// in-memory defaults when path is empty or does not exist.
func LoadManager(path string) (*Config, error) {
	return load(path, defaultManager())
}

func load(path string, cfg Config) (*Config, error) {
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var durations struct {
		Timeout       string `yaml:"timeout"`
		TimeoutTest   string `yaml:"timeout_test"`
		UpdateTimeout string `yaml:"update_timeout"`
	}
	if err := yaml.Unmarshal(data, &durations); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := applyDuration(durations.Timeout, "timeout", &cfg.Timeout); err != nil {
		return nil, err
	}
	if err := applyDuration(durations.TimeoutTest, "timeout_test", &cfg.TimeoutTest); err != nil {
		return nil, err
	}
	if err := applyDuration(durations.UpdateTimeout, "update_timeout", &cfg.UpdateTimeout); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDuration parses raw (if non-empty) as a Go duration string and stores
// it into *dst, leaving the pre-seeded default untouched when raw is absent.
func applyDuration(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	*dst = d
	return nil
}

// Validate applies the fatal-at-startup configuration checks: positive
// max_connections and a fully-specified credential pair when one is
// configured. A backlog smaller than max_connections is a warning, not an
// error: Validate does not check it, BacklogWarning reports it, and
// edge.Server.ListenAndServe logs the warning at startup. Firewall
// set disjointness is validated by firewall.New.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.Credential != nil && (c.Credential.Username == "" || c.Credential.Password == "") {
		return fmt.Errorf("credential username and password must both be set")
	}
	return nil
}

// BacklogWarning reports whether backlog is smaller than max_connections;
// the edge proxy warns, rather than fails, in this case.
func (c *Config) BacklogWarning() bool {
	return c.Backlog > 0 && c.Backlog < c.MaxConnections
}
