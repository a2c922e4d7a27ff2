// Package config builds the single immutable configuration value for the
// gateway. Precedence, highest first: command-line flags, SSHGATE_* env
// vars, the optional YAML config file, ssh_config per-host defaults,
// built-in defaults. Each stage only fills fields the previous stages left
// empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sshconfig "github.com/kevinburke/ssh_config"
	"gopkg.in/yaml.v3"
)

// Transport mode selectors.
const (
	TransportSSE  = "sse"
	TransportHTTP = "http"
)

// ErrInvalid marks fatal configuration problems detected at startup.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every recognized option. Zero values mean "unset" until
// FillDefaults runs.
type Config struct {
	SSHHost     string `yaml:"sshHost"`
	SSHPort     int    `yaml:"sshPort"`
	SSHUser     string `yaml:"sshUser"`
	SSHPassword string `yaml:"sshPassword"`
	SSHKeyPath  string `yaml:"sshKeyPath"`

	ListenHost string `yaml:"listenHost"`
	ListenPort int    `yaml:"listenPort"`
	Transport  string `yaml:"transport"`

	CommandTimeout    time.Duration `yaml:"commandTimeout"`
	AbortTimeout      time.Duration `yaml:"abortTimeout"`
	ProbeTimeout      time.Duration `yaml:"probeTimeout"`
	SessionMaxAge     time.Duration `yaml:"sessionMaxAge"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`

	AuthToken            string   `yaml:"authToken"`
	AllowedOrigins       []string `yaml:"allowedOrigins"`
	StrictSecurity       bool     `yaml:"strictSecurity"`
	LocalExec            bool     `yaml:"localExec"`
	CommandAllowPrefixes []string `yaml:"commandAllowPrefixes"`

	AuditDir string `yaml:"auditDir"`
	LogJSON  bool   `yaml:"logJSON"`
}

// LoadFile decodes the config file. Missing files return (nil, nil).
func LoadFile(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Merge fills empty fields of c from file. Flags and env already applied
// to c win over the file.
func (c *Config) Merge(file *Config) {
	if file == nil {
		return
	}
	fillString(&c.SSHHost, file.SSHHost)
	fillInt(&c.SSHPort, file.SSHPort)
	fillString(&c.SSHUser, file.SSHUser)
	fillString(&c.SSHPassword, file.SSHPassword)
	fillString(&c.SSHKeyPath, file.SSHKeyPath)
	fillString(&c.ListenHost, file.ListenHost)
	fillInt(&c.ListenPort, file.ListenPort)
	fillString(&c.Transport, file.Transport)
	fillDuration(&c.CommandTimeout, file.CommandTimeout)
	fillDuration(&c.AbortTimeout, file.AbortTimeout)
	fillDuration(&c.ProbeTimeout, file.ProbeTimeout)
	fillDuration(&c.SessionMaxAge, file.SessionMaxAge)
	fillDuration(&c.KeepAliveInterval, file.KeepAliveInterval)
	fillString(&c.AuthToken, file.AuthToken)
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = file.AllowedOrigins
	}
	if len(c.CommandAllowPrefixes) == 0 {
		c.CommandAllowPrefixes = file.CommandAllowPrefixes
	}
	fillString(&c.AuditDir, file.AuditDir)
	c.StrictSecurity = c.StrictSecurity || file.StrictSecurity
	c.LocalExec = c.LocalExec || file.LocalExec
	c.LogJSON = c.LogJSON || file.LogJSON
}

// ApplyEnv fills empty fields from SSHGATE_* variables.
func (c *Config) ApplyEnv() {
	envFallback(&c.SSHHost, "SSHGATE_SSH_HOST")
	envFallback(&c.SSHUser, "SSHGATE_SSH_USER")
	envFallback(&c.SSHPassword, "SSHGATE_SSH_PASSWORD")
	envFallback(&c.SSHKeyPath, "SSHGATE_SSH_KEY")
	envFallback(&c.ListenHost, "SSHGATE_LISTEN_HOST")
	envFallback(&c.Transport, "SSHGATE_TRANSPORT")
	envFallback(&c.AuthToken, "SSHGATE_AUTH_TOKEN")
	envFallback(&c.AuditDir, "SSHGATE_AUDIT_DIR")
	envFallbackInt(&c.SSHPort, "SSHGATE_SSH_PORT")
	envFallbackInt(&c.ListenPort, "SSHGATE_LISTEN_PORT")
}

// ApplySSHConfigDefaults consults ~/.ssh/config for the target host and
// fills user, port, and identity file the way the ssh client would.
func (c *Config) ApplySSHConfigDefaults() {
	if c.SSHHost == "" {
		return
	}
	if c.SSHUser == "" {
		c.SSHUser = sshconfig.Get(c.SSHHost, "User")
	}
	if c.SSHPort == 0 {
		if p := sshconfig.Get(c.SSHHost, "Port"); p != "" {
			if n, err := strconv.Atoi(p); err == nil && n != 22 {
				c.SSHPort = n
			}
		}
	}
	if c.SSHKeyPath == "" && c.SSHPassword == "" {
		// The library reports "~/.ssh/identity" when nothing is configured.
		if f := sshconfig.Get(c.SSHHost, "IdentityFile"); f != "" && f != "~/.ssh/identity" {
			if expanded, err := ExpandPath(f); err == nil {
				c.SSHKeyPath = expanded
			}
		}
	}
}

// FillDefaults sets every remaining zero field to its built-in default.
func (c *Config) FillDefaults() {
	fillInt(&c.SSHPort, 22)
	fillString(&c.ListenHost, "127.0.0.1")
	fillInt(&c.ListenPort, 3001)
	fillString(&c.Transport, TransportSSE)
	fillDuration(&c.CommandTimeout, 60*time.Second)
	fillDuration(&c.AbortTimeout, 5*time.Second)
	fillDuration(&c.ProbeTimeout, 5*time.Second)
	fillDuration(&c.SessionMaxAge, time.Hour)
	fillDuration(&c.KeepAliveInterval, 30*time.Second)
}

// Validate reports the first fatal problem, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if !c.LocalExec {
		if strings.TrimSpace(c.SSHHost) == "" {
			return fmt.Errorf("%w: ssh host is required", ErrInvalid)
		}
		if strings.TrimSpace(c.SSHUser) == "" {
			return fmt.Errorf("%w: ssh user is required", ErrInvalid)
		}
		if c.SSHPassword == "" && c.SSHKeyPath == "" {
			return fmt.Errorf("%w: one of ssh password or key is required", ErrInvalid)
		}
		if c.SSHPort < 1 || c.SSHPort > 65535 {
			return fmt.Errorf("%w: ssh port %d out of range", ErrInvalid, c.SSHPort)
		}
	}
	if c.Transport != TransportSSE && c.Transport != TransportHTTP {
		return fmt.Errorf("%w: unknown transport %q (want %q or %q)", ErrInvalid, c.Transport, TransportSSE, TransportHTTP)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalid, c.ListenPort)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"command timeout", c.CommandTimeout},
		{"abort timeout", c.AbortTimeout},
		{"probe timeout", c.ProbeTimeout},
		{"session max age", c.SessionMaxAge},
		{"keep-alive interval", c.KeepAliveInterval},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	if c.StrictSecurity && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: strict security requires at least one allowed origin", ErrInvalid)
	}
	return nil
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// TargetAddr returns host:port for the SSH target.
func (c *Config) TargetAddr() string {
	return fmt.Sprintf("%s:%d", c.SSHHost, c.SSHPort)
}

// ExpandPath resolves ~ and relative paths to absolute ones.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func fillInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func fillDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}

func envFallback(dst *string, key string) {
	if *dst == "" {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func envFallbackInt(dst *int, key string) {
	if *dst == 0 {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}
