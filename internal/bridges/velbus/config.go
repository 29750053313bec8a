package velbus

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConnection is the default Velbus interface.
const DefaultConnection = "serial:///dev/ttyACM0"

// Config is the root configuration for the Velbus bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge     BridgeConfig       `yaml:"bridge"`
	Connection ConnectionSettings `yaml:"connection"`
	Modules    []ModuleConfig     `yaml:"modules"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance.
	// Used in the MQTT client ID, health reporting and metric labels.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`

	// RefreshInterval is how often counters, analog inputs and
	// temperatures are polled (seconds). 0 disables polling.
	// Default: 300 seconds.
	RefreshInterval int `yaml:"refresh_interval"`
}

// ConnectionSettings describes the Velbus interface connection.
type ConnectionSettings struct {
	// Target is the interface URL.
	// Supported formats:
	//   - "serial:///dev/ttyACM0" or a bare device path
	//   - "tcp://192.168.1.10:6000" (e.g. velserv)
	// Default: "serial:///dev/ttyACM0"
	Target string `yaml:"target"`

	// ConnectTimeout bounds each dial attempt (seconds).
	// Default: 10 seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReconnectInterval is the fixed delay between reconnection attempts (seconds).
	// Default: 15 seconds.
	ReconnectInterval int `yaml:"reconnect_interval"`

	// TimeUpdateInterval is the period of the date and time broadcast
	// (seconds). 0 disables it.
	// Default: 3600 seconds.
	TimeUpdateInterval int `yaml:"time_update_interval"`

	// TimeZone is the IANA zone broadcast to the modules.
	// Default: the host's local zone.
	TimeZone string `yaml:"time_zone"`
}

// ModuleConfig maps a Gray Logic device to a Velbus module.
type ModuleConfig struct {
	// DeviceID is the Gray Logic device identifier.
	DeviceID string `yaml:"device_id"`

	// Type is the module model, e.g. "VMB4RYLD".
	Type string `yaml:"type"`

	// Address is the primary address as two hex digits, e.g. "2A".
	Address string `yaml:"address"`

	// SubAddresses lists the sub-address slots in order. "FF" marks an
	// unused slot.
	SubAddresses []string `yaml:"sub_addresses"`
}

// Resolve looks up the module type and parses the addresses.
func (m ModuleConfig) Resolve(catalogue *Catalogue) (ModuleType, byte, []byte, error) {
	typ, err := catalogue.Lookup(m.Type)
	if err != nil {
		return ModuleType{}, 0, nil, err
	}
	address, err := ParseAddress(m.Address)
	if err != nil {
		return ModuleType{}, 0, nil, err
	}
	subs := make([]byte, 0, len(m.SubAddresses))
	for _, s := range m.SubAddresses {
		sub, err := ParseAddress(s)
		if err != nil {
			return ModuleType{}, 0, nil, err
		}
		subs = append(subs, sub)
	}
	return typ, address, subs, nil
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VELBUS_BRIDGE_SECTION_KEY
// For example: VELBUS_BRIDGE_CONNECTION_TARGET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:              "velbus-bridge-01",
			HealthInterval:  30,
			RefreshInterval: 300,
		},
		Connection: ConnectionSettings{
			Target:             DefaultConnection,
			ConnectTimeout:     10,
			ReconnectInterval:  15,
			TimeUpdateInterval: 3600,
		},
		Modules: []ModuleConfig{},
	}
}

// applyEnvOverrides applies VELBUS_BRIDGE_* overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VELBUS_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_CONNECTION_TARGET"); v != "" {
		cfg.Connection.Target = v
	}
	if v := os.Getenv("VELBUS_BRIDGE_CONNECTION_TIME_ZONE"); v != "" {
		cfg.Connection.TimeZone = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateConnection()...)
	errs = append(errs, c.validateModules()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	if c.Bridge.RefreshInterval < 0 {
		errs = append(errs, "bridge.refresh_interval must not be negative")
	}
	return errs
}

func (c *Config) validateConnection() []string {
	var errs []string
	if _, err := ParseConnection(c.Connection.Target, time.Second); err != nil {
		errs = append(errs, fmt.Sprintf("connection.target %q is invalid: %v", c.Connection.Target, err))
	}
	if c.Connection.ConnectTimeout < 1 {
		errs = append(errs, "connection.connect_timeout must be at least 1 second")
	}
	if c.Connection.ReconnectInterval < 1 {
		errs = append(errs, "connection.reconnect_interval must be at least 1 second")
	}
	if c.Connection.TimeUpdateInterval < 0 {
		errs = append(errs, "connection.time_update_interval must not be negative")
	}
	if c.Connection.TimeZone != "" {
		if _, err := time.LoadLocation(c.Connection.TimeZone); err != nil {
			errs = append(errs, fmt.Sprintf("connection.time_zone %q is invalid", c.Connection.TimeZone))
		}
	}
	return errs
}

// validateModules checks device IDs, types and that no address is
// claimed twice.
func (c *Config) validateModules() []string {
	var errs []string
	catalogue := NewCatalogue()
	deviceIDs := make(map[string]bool)
	owners := make(map[byte]string)

	for i, mod := range c.Modules {
		if mod.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("modules[%d].device_id is required", i))
			continue
		}
		if deviceIDs[mod.DeviceID] {
			errs = append(errs, fmt.Sprintf("modules[%d].device_id %q is duplicate", i, mod.DeviceID))
		}
		deviceIDs[mod.DeviceID] = true

		typ, address, subs, err := mod.Resolve(catalogue)
		if err != nil {
			errs = append(errs, fmt.Sprintf("modules[%d]: %v", i, err))
			continue
		}
		if address == BroadcastAddress || address == UnsetAddress {
			errs = append(errs, fmt.Sprintf("modules[%d].address %s is reserved", i, mod.Address))
		}
		if len(subs) > typ.SubAddresses {
			errs = append(errs, fmt.Sprintf("modules[%d].sub_addresses has %d entries, %s has %d",
				i, len(subs), typ.Name, typ.SubAddresses))
		}

		for _, a := range append([]byte{address}, subs...) {
			if a == UnsetAddress {
				continue
			}
			if owner, taken := owners[a]; taken {
				errs = append(errs, fmt.Sprintf("modules[%d] address %s already used by %q", i, FormatAddress(a), owner))
				continue
			}
			owners[a] = mod.DeviceID
		}
	}

	return errs
}

// ToClientConfig converts connection settings to a ClientConfig.
func (c *Config) ToClientConfig() ClientConfig {
	location := time.Local
	if c.Connection.TimeZone != "" {
		if loc, err := time.LoadLocation(c.Connection.TimeZone); err == nil {
			location = loc
		}
	}
	return ClientConfig{
		Target:             c.Connection.Target,
		ConnectTimeout:     time.Duration(c.Connection.ConnectTimeout) * time.Second,
		ReconnectInterval:  time.Duration(c.Connection.ReconnectInterval) * time.Second,
		TimeUpdateInterval: time.Duration(c.Connection.TimeUpdateInterval) * time.Second,
		Location:           location,
	}
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetRefreshInterval returns the polling interval as a Duration.
func (c *Config) GetRefreshInterval() time.Duration {
	return time.Duration(c.Bridge.RefreshInterval) * time.Second
}
