// Package config loads and merges the bridge's YAML settings tree.
//
// Configuration can come from several files: either the default system
// location (/etc/meshbridge/config.yaml plus config.d/*.yaml overlays) or an
// explicit ordered list of --config paths. Later files override earlier ones;
// broker lists are merged by broker name rather than replaced wholesale.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshcore-net/meshbridge/pkg/util"
)

// Transport selects the broker connection transport.
type Transport string

// AuthMethod selects how the bridge authenticates to a broker.
type AuthMethod string

const (
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "websocket"

	AuthNone     AuthMethod = "none"
	AuthPassword AuthMethod = "password"
	AuthToken    AuthMethod = "token"
)

// DefaultBasePath is the base config file consulted when no --config paths
// are given.
const DefaultBasePath = "/etc/meshbridge/config.yaml"

// DefaultDropInDir holds overlay files applied on top of the base config.
const DefaultDropInDir = "/etc/meshbridge/config.d"

// Config is the full settings tree.
type Config struct {
	General      General      `yaml:"general"`
	Serial       Serial       `yaml:"serial"`
	Topics       Topics       `yaml:"topics"`
	Brokers      []Broker     `yaml:"broker"`
	RemoteSerial RemoteSerial `yaml:"remote_serial"`
}

// General holds bridge-wide options.
type General struct {
	IATA     string `yaml:"iata"`
	SyncTime bool   `yaml:"sync_time"`
	LogLevel string `yaml:"log_level"`
}

// Serial configures the device link.
type Serial struct {
	Ports           []string `yaml:"ports"`
	BaudRate        int      `yaml:"baud_rate"`
	Timeout         int      `yaml:"timeout"`
	WatchdogTimeout int      `yaml:"watchdog_timeout"`
}

// Topics holds the global topic templates. Templates may reference {IATA}
// and {PUBLIC_KEY}; an empty template suppresses publication of that kind.
type Topics struct {
	Packets string `yaml:"packets"`
	Status  string `yaml:"status"`
	Debug   string `yaml:"debug"`
}

// BrokerTopics are per-broker template overrides plus an optional IATA
// override used during expansion.
type BrokerTopics struct {
	Packets string `yaml:"packets"`
	Status  string `yaml:"status"`
	Debug   string `yaml:"debug"`
	IATA    string `yaml:"iata"`
}

// TLS configures transport security for one broker.
type TLS struct {
	Enabled bool  `yaml:"enabled"`
	Verify  *bool `yaml:"verify"`
}

// VerifyEnabled reports whether certificate verification is on (default true).
func (t TLS) VerifyEnabled() bool {
	return t.Verify == nil || *t.Verify
}

// Auth configures broker authentication.
type Auth struct {
	Method   AuthMethod `yaml:"method"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
	Audience string     `yaml:"audience"`
	Owner    string     `yaml:"owner"`
	Email    string     `yaml:"email"`
}

// Broker is one configured message-broker endpoint.
type Broker struct {
	Name           string       `yaml:"name"`
	Enabled        bool         `yaml:"enabled"`
	Server         string       `yaml:"server"`
	Port           int          `yaml:"port"`
	Transport      Transport    `yaml:"transport"`
	Keepalive      int          `yaml:"keepalive"`
	QoS            byte         `yaml:"qos"`
	Retain         *bool        `yaml:"retain"`
	ClientIDPrefix string       `yaml:"client_id_prefix"`
	TLS            TLS          `yaml:"tls"`
	Auth           Auth         `yaml:"auth"`
	Topics         BrokerTopics `yaml:"topics"`
}

// RetainEnabled reports whether status messages use the retain flag
// (default true).
func (b Broker) RetainEnabled() bool {
	return b.Retain == nil || *b.Retain
}

// DisplayName returns the broker's configured name or a positional fallback.
func (b Broker) DisplayName(idx int) string {
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("broker-%d", idx)
}

// RemoteSerial configures the signed remote-command pipeline.
type RemoteSerial struct {
	Enabled            bool     `yaml:"enabled"`
	AllowedCompanions  []string `yaml:"allowed_companions"`
	DisallowedCommands []string `yaml:"disallowed_commands"`
	NonceTTL           int      `yaml:"nonce_ttl"`
	CommandTimeout     int      `yaml:"command_timeout"`
}

// NonceTTLDuration returns the replay-protection window.
func (r RemoteSerial) NonceTTLDuration() time.Duration {
	return time.Duration(r.NonceTTL) * time.Second
}

// CommandTimeoutDuration returns the per-command execution timeout.
func (r RemoteSerial) CommandTimeoutDuration() time.Duration {
	return time.Duration(r.CommandTimeout) * time.Second
}

// Default returns a Config populated with documented defaults.
func Default() *Config {
	return &Config{
		General: General{
			IATA:     "XXX",
			SyncTime: true,
			LogLevel: "info",
		},
		Serial: Serial{
			Ports:           []string{"/dev/ttyACM0"},
			BaudRate:        115200,
			Timeout:         2,
			WatchdogTimeout: 900,
		},
		Topics: Topics{
			Packets: "meshcore/{IATA}/{PUBLIC_KEY}/packets",
			Status:  "meshcore/{IATA}/{PUBLIC_KEY}/status",
			Debug:   "meshcore/{IATA}/{PUBLIC_KEY}/debug",
		},
		RemoteSerial: RemoteSerial{
			DisallowedCommands: []string{"get prv.key", "set prv.key", "erase", "password"},
			NonceTTL:           120,
			CommandTimeout:     10,
		},
	}
}

// Load reads and merges configuration.
//
// With explicit paths, only those files are loaded, in order, each overlaying
// the previous. With no paths, the system base config and its config.d
// overlays are used; a missing base config falls back to pure defaults.
func Load(paths []string) (*Config, error) {
	merged := map[string]interface{}{}

	if len(paths) > 0 {
		for _, path := range paths {
			doc, err := loadFile(path)
			if err != nil {
				return nil, fmt.Errorf("loading config %s: %w", path, err)
			}
			util.Infof("Loading config: %s", path)
			merged = applyOverride(merged, doc)
		}
	} else {
		if doc, err := loadFile(DefaultBasePath); err == nil {
			util.Infof("Loaded base config from %s", DefaultBasePath)
			merged = applyOverride(merged, doc)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading config %s: %w", DefaultBasePath, err)
		} else {
			util.Warnf("Base config not found at %s, using defaults", DefaultBasePath)
		}

		overlays, _ := filepath.Glob(filepath.Join(DefaultDropInDir, "*.yaml"))
		sort.Strings(overlays)
		for _, path := range overlays {
			doc, err := loadFile(path)
			if err != nil {
				return nil, fmt.Errorf("loading config override %s: %w", path, err)
			}
			util.Infof("Loading config override: %s", path)
			merged = applyOverride(merged, doc)
		}
	}

	return fromMap(merged)
}

func loadFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// deepMerge merges override into base; override values take precedence and
// nested maps merge recursively.
func deepMerge(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if bm, ok := result[k].(map[string]interface{}); ok {
			if om, ok := v.(map[string]interface{}); ok {
				result[k] = deepMerge(bm, om)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// mergeBrokerLists merges broker lists by name. Override brokers deep-merge
// into base brokers with the same name; unmatched ones append.
func mergeBrokerLists(base, override []interface{}) []interface{} {
	if len(override) == 0 {
		return base
	}
	if len(base) == 0 {
		return override
	}

	result := append([]interface{}{}, base...)
	names := map[string]int{}
	for i, b := range result {
		if m, ok := b.(map[string]interface{}); ok {
			if name, ok := m["name"].(string); ok && name != "" {
				names[name] = i
			}
		}
	}

	for _, b := range override {
		m, ok := b.(map[string]interface{})
		if !ok {
			result = append(result, b)
			continue
		}
		name, _ := m["name"].(string)
		if idx, found := names[name]; name != "" && found {
			if bm, ok := result[idx].(map[string]interface{}); ok {
				result[idx] = deepMerge(bm, m)
				continue
			}
		}
		result = append(result, b)
	}

	return result
}

func applyOverride(base, override map[string]interface{}) map[string]interface{} {
	overrideBrokers, hasBrokers := override["broker"].([]interface{})
	if hasBrokers {
		override = deepMerge(override, nil) // shallow copy before mutation
		delete(override, "broker")
	}
	baseBrokers, _ := base["broker"].([]interface{})

	merged := deepMerge(base, override)
	if hasBrokers {
		merged["broker"] = mergeBrokerLists(baseBrokers, overrideBrokers)
	}
	return merged
}

// fromMap decodes a merged document over the defaults and validates it.
func fromMap(doc map[string]interface{}) (*Config, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing merged config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills per-broker defaults the document-level defaults cannot
// cover (brokers arrive as fresh list entries).
func (c *Config) applyDefaults() {
	if c.General.IATA == "" {
		c.General.IATA = "XXX"
	}
	if len(c.Serial.Ports) == 0 {
		c.Serial.Ports = []string{"/dev/ttyACM0"}
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = 2
	}
	if c.Serial.WatchdogTimeout == 0 {
		c.Serial.WatchdogTimeout = 900
	}
	for i := range c.Brokers {
		b := &c.Brokers[i]
		if b.Port == 0 {
			b.Port = 1883
		}
		if b.Transport == "" {
			b.Transport = TransportTCP
		}
		if b.Keepalive == 0 {
			b.Keepalive = 60
		}
		if b.ClientIDPrefix == "" {
			b.ClientIDPrefix = "meshcore_"
		}
		if b.Auth.Method == "" {
			b.Auth.Method = AuthNone
		}
	}
	if c.RemoteSerial.DisallowedCommands == nil {
		c.RemoteSerial.DisallowedCommands = []string{"get prv.key", "set prv.key", "erase", "password"}
	}
	if c.RemoteSerial.NonceTTL == 0 {
		c.RemoteSerial.NonceTTL = 120
	}
	if c.RemoteSerial.CommandTimeout == 0 {
		c.RemoteSerial.CommandTimeout = 10
	}
}

// Validate rejects unknown enum tags and malformed entries at load time so
// the runtime never dispatches on an unrecognized string. Invalid companion
// keys are dropped with a warning rather than failing the whole config.
func (c *Config) Validate() error {
	v := &util.ValidationBuilder{}

	for i, b := range c.Brokers {
		name := b.DisplayName(i)
		switch b.Transport {
		case TransportTCP, TransportWebSocket:
		default:
			v.AddErrorf("broker %s: unknown transport %q (want tcp or websocket)", name, b.Transport)
		}
		switch b.Auth.Method {
		case AuthNone, AuthPassword, AuthToken:
		default:
			v.AddErrorf("broker %s: unknown auth method %q (want none, password, or token)", name, b.Auth.Method)
		}
		if b.QoS > 1 {
			v.AddErrorf("broker %s: qos %d not supported (want 0 or 1)", name, b.QoS)
		}
		if b.Enabled && b.Server == "" {
			v.AddErrorf("broker %s: enabled but no server configured", name)
		}
	}

	// Normalize the companion allowlist, dropping invalid keys.
	var companions []string
	for _, key := range c.RemoteSerial.AllowedCompanions {
		normalized, err := util.NormalizePublicKey(key)
		if err != nil {
			if key != "" {
				util.Warnf("Invalid companion public key in allowlist: %s", util.Truncate(key, 16))
			}
			continue
		}
		companions = append(companions, normalized)
	}
	c.RemoteSerial.AllowedCompanions = companions

	return v.Build()
}

// LogSummary logs an overview of the loaded configuration.
func (c *Config) LogSummary() {
	util.Infof("IATA: %s", c.General.IATA)
	util.Infof("Serial ports: %v", c.Serial.Ports)
	util.Infof("Brokers configured: %d", len(c.Brokers))
	for i, b := range c.Brokers {
		util.Debugf("  [%s] enabled=%v server=%s:%d transport=%s auth=%s",
			b.DisplayName(i), b.Enabled, b.Server, b.Port, b.Transport, b.Auth.Method)
	}
}
