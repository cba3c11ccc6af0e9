package icebus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/icebus/icebus/internal/util"
)

// Daemon host exit codes.
const (
	ExitOK           = 0
	ExitOptionError  = 1
	ExitConfigError  = 2
	ExitStartupError = 3
	ExitForkError    = 4
	ExitIOError      = 5
	ExitSessionError = 6
)

// Recognized configuration keys. The store is passive: unknown keys are
// preserved but never interpreted.
const (
	ConfigListen                 = "listen"
	ConfigType                   = "type"
	ConfigAuth                   = "auth"
	ConfigUser                   = "user"
	ConfigPidfile                = "pidfile"
	ConfigSyslog                 = "syslog"
	ConfigFork                   = "fork"
	ConfigAuthTimeout            = "limit@auth_timeout"
	ConfigMaxIncompleteTCP       = "limit@max_incomplete_connections_tcp"
	ConfigMaxCompletedTCP        = "limit@max_completed_connections_tcp"
	ConfigICEMaxIncomplete       = "ice/limit@max_incomplete_connections"
	ConfigICEMaxCompleted        = "ice/limit@max_completed_connections"
	ConfigDMInterfaces           = "ice_discovery_manager/property@interfaces"
	ConfigDMServer               = "ice_discovery_manager/property@server"
	ConfigDMProtocol             = "ice_discovery_manager/property@protocol"
	ConfigDMEnableIPv6           = "ice_discovery_manager/property@enable_ipv6"
	ConfigNSInterfaces           = "ip_name_service/property@interfaces"
	ConfigNSDisableDirectedBcast = "ip_name_service/property@disable_directed_broadcast"
	ConfigNSEnableIPv4           = "ip_name_service/property@enable_ipv4"
	ConfigNSEnableIPv6           = "ip_name_service/property@enable_ipv6"
)

// Config is the daemon's passive key to value store, loaded from a YAML
// file and the environment.
type Config struct {
	k *koanf.Koanf
}

// NewConfig creates an empty store.
func NewConfig() *Config {
	return &Config{k: koanf.New(".")}
}

// LoadFile merges a YAML configuration file into the store.
func (c *Config) LoadFile(path string) error {
	if err := c.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	return nil
}

// LoadEnv merges ICEBUS_-prefixed environment variables into the store;
// ICEBUS_TYPE=session becomes type=session.
func (c *Config) LoadEnv() error {
	provider := env.Provider("ICEBUS_", ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, "ICEBUS_"))
	})
	if err := c.k.Load(provider, nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	return nil
}

// Set stores a value, for tests and programmatic configuration.
func (c *Config) Set(key string, value any) {
	_ = c.k.Set(key, value)
}

// String returns the value for key, or def when unset.
func (c *Config) String(key, def string) string {
	if !c.k.Exists(key) {
		return def
	}

	return c.k.String(key)
}

// Int returns the integer value for key, or def when unset or malformed.
func (c *Config) Int(key string, def int) int {
	if !c.k.Exists(key) {
		return def
	}
	raw := c.k.String(key)
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}

	return v
}

// Bool returns the boolean value for key, or def when unset.
func (c *Config) Bool(key string, def bool) bool {
	if !c.k.Exists(key) {
		return def
	}

	return c.k.Bool(key)
}

// Duration interprets an integer key as milliseconds.
func (c *Config) Duration(key string, def time.Duration) time.Duration {
	if !c.k.Exists(key) {
		return def
	}

	return time.Duration(c.k.Int64(key)) * time.Millisecond
}

// ListenSpecs returns the listen specifications, normalizing each.
func (c *Config) ListenSpecs() ([]string, error) {
	raw := c.k.Strings(ConfigListen)
	if len(raw) == 0 && c.k.Exists(ConfigListen) {
		raw = []string{c.k.String(ConfigListen)}
	}

	specs := make([]string, 0, len(raw))
	for _, spec := range raw {
		normalized, err := NormalizeListenSpec(spec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, normalized)
	}

	return specs, nil
}

// listenSchemes enumerates the recognized listen spec schemes.
var listenSchemes = map[string]bool{
	"tcp":       true,
	"ice":       true,
	"unix":      true,
	"launchd":   true,
	"bluetooth": true,
}

// NormalizeListenSpec validates a scheme:key=value[,key=value] listen
// specification. A unix tmpdir entry is rewritten to a randomized abstract
// address.
func NormalizeListenSpec(spec string) (string, error) {
	scheme, rest, found := strings.Cut(spec, ":")
	if !found || !listenSchemes[scheme] {
		return "", fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
	}

	args := map[string]string{}
	var order []string
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || key == "" {
				return "", fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
			}
			if _, dup := args[key]; !dup {
				order = append(order, key)
			}
			args[key] = value
		}
	}

	if scheme == "unix" {
		if tmpdir, ok := args["tmpdir"]; ok {
			args = map[string]string{"abstract": tmpdir + "/alljoyn-" + util.RandSeq(10)}
			order = []string{"abstract"}
		}
	}

	parts := make([]string, 0, len(order))
	for _, key := range order {
		parts = append(parts, key+"="+args[key])
	}
	if len(parts) == 0 {
		return scheme + ":", nil
	}

	return scheme + ":" + strings.Join(parts, ","), nil
}
