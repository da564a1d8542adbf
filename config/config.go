package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	zlog "github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config type
type Config struct {
	Version string

	// Resolver is the DNS server the chat tunnel targets, host:port.
	Resolver string
	// Zone is the suffix appended to sanitized chat text.
	Zone string
	// LabelOnly sends bare sanitized labels without the zone suffix.
	LabelOnly bool
	// AllowPlus keeps '+' characters during sanitization.
	AllowPlus bool

	// Allowlist extends the baked-in resolver allowlist. Entries may be
	// hostnames, IPs or CIDR ranges.
	Allowlist []string
	// AllowlistReplace drops the baked-in defaults and uses only the
	// configured entries.
	AllowlistReplace bool

	UDPTimeout Duration
	TCPTimeout Duration

	// DoHURL enables a final DNS-over-HTTPS fallback when set.
	DoHURL string

	// RateLimit caps outbound queries per second, 0 for disabled.
	RateLimit int

	// LogRetention bounds the resolver log history, oldest evicted first.
	LogRetention int

	// DataDir holds the encrypted chat history, resolver logs and key file.
	DataDir string

	// KeyPassphraseEnv names an environment variable holding a passphrase
	// used to wrap the storage key. Empty means an unwrapped key file.
	KeyPassphraseEnv string

	LogLevel string

	sVersion string
}

// AppVersion returns the application version the config was loaded with.
func (c *Config) AppVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# The DNS resolver the chat tunnel talks to, host:port.
resolver = "ch.at:53"

# Zone suffix appended to the sanitized message labels.
zone = "ch.at"

# Send bare sanitized labels without the zone suffix. Some resolvers
# expect "<message>" instead of "<message>.<zone>".
labelonly = false

# Keep '+' during sanitization for resolvers that decode it as a space.
allowplus = false

# Extra allowed resolver hosts, IPs or CIDR ranges. These extend the
# built-in allowlist.
allowlist = [
]

# Use only the configured allowlist, dropping the built-in defaults.
allowlistreplace = false

# Timeout for the UDP attempt in duration.
udptimeout = "3s"

# Timeout for the TCP fallback in duration.
tcptimeout = "5s"

# Optional DNS-over-HTTPS endpoint used as a final fallback, left blank
# for disabled. Example: "https://dns.google/dns-query"
dohurl = ""

# Outbound queries per second, 0 for disabled.
ratelimit = 0

# How many resolver log entries to retain, oldest evicted first.
logretention = 100

# Where to keep the encrypted chat history, resolver logs and key file.
datadir = "~/.dnschat"

# Environment variable holding a passphrase for the storage key, left
# blank for an unwrapped key file.
keypassphraseenv = ""

# What kind of information should be logged, Log verbosity level [error,warn,info,debug]
loglevel = "info"
`

// Load loads the given config file, generating a default one when it
// does not exist.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %s", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if config.UDPTimeout.Duration == 0 {
		config.UDPTimeout.Duration = 3 * time.Second
	}

	if config.TCPTimeout.Duration == 0 {
		config.TCPTimeout.Duration = 5 * time.Second
	}

	if config.LogRetention <= 0 {
		config.LogRetention = 100
	}

	if config.DataDir == "" {
		config.DataDir = "~/.dnschat"
	}

	config.DataDir = expandHome(config.DataDir)

	return config, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
		}
	}
	return path
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %s", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %s", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
