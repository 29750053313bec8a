package velbus

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ChannelRole is what a channel or module feature does.
type ChannelRole int

// Channel roles.
const (
	RoleRelay ChannelRole = iota + 1
	RoleDimmer
	RoleBlind
	RoleButton
	RoleCounter
	RoleTemperature
	RoleThermostat
	RoleMemoText
	RoleAlarmClock
	RoleAnalogInput
	RoleAnalogOutput
	RoleModule
)

var roleNames = map[ChannelRole]string{
	RoleRelay:        "relay",
	RoleDimmer:       "dimmer",
	RoleBlind:        "blind",
	RoleButton:       "button",
	RoleCounter:      "counter",
	RoleTemperature:  "temperature",
	RoleThermostat:   "thermostat",
	RoleMemoText:     "memo_text",
	RoleAlarmClock:   "alarm_clock",
	RoleAnalogInput:  "analog_input",
	RoleAnalogOutput: "analog_output",
	RoleModule:       "module",
}

// String returns the role name used in state and command payloads.
func (r ChannelRole) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ModuleType describes one Velbus module model.
type ModuleType struct {
	// Name is the model, e.g. "VMB4RYLD".
	Name string

	// Code is the type byte the module reports in its module type (0xFF) reply.
	Code byte

	// SubAddresses is the number of sub-address slots.
	SubAddresses int

	// FirstGeneration selects the fixed 0x03/0x0C channel bytes.
	FirstGeneration bool

	// LegacyDimSpeed sends 0xFFFF as dim speed so old dimmers apply the
	// level at once.
	LegacyDimSpeed bool

	// Channels lists the role of each numbered channel, index 0 is CH1.
	Channels []ChannelRole

	// Features lists module level roles (sensor, thermostat, memo text,
	// alarm clock) that are not tied to a numbered channel.
	Features []ChannelRole
}

// HasFeature reports whether the module has a module level role.
func (t ModuleType) HasFeature(role ChannelRole) bool {
	for _, f := range t.Features {
		if f == role {
			return true
		}
	}
	return false
}

// Raw reports whether channel bytes for role are plain channel numbers
// rather than one-hot bits. Analog channels of the VMB4AN work that way.
func (r ChannelRole) Raw() bool {
	return r == RoleAnalogInput || r == RoleAnalogOutput
}

// ChannelRole returns the role of 1-based channel n.
func (t ModuleType) ChannelRole(n int) (ChannelRole, bool) {
	if n < 1 || n > len(t.Channels) {
		return 0, false
	}
	return t.Channels[n-1], true
}

// NewMapper returns the address mapper suited to this module type.
func (t ModuleType) NewMapper(address byte, subAddresses []byte) ChannelMapper {
	if t.FirstGeneration {
		return NewFirstGenerationAddress(address)
	}
	m := NewModuleAddress(address, t.SubAddresses)
	m.SetSubAddresses(subAddresses)
	return m
}

func repeatRole(role ChannelRole, n int) []ChannelRole {
	roles := make([]ChannelRole, n)
	for i := range roles {
		roles[i] = role
	}
	return roles
}

// Catalogue is the immutable set of supported module types.
type Catalogue struct {
	byName map[string]ModuleType
	byCode map[byte]ModuleType
}

// NewCatalogue returns the catalogue of supported modules.
func NewCatalogue() *Catalogue {
	sensorFeatures := []ChannelRole{RoleTemperature, RoleThermostat, RoleAlarmClock}
	panelFeatures := []ChannelRole{RoleTemperature, RoleThermostat, RoleAlarmClock, RoleMemoText}

	types := []ModuleType{
		{Name: "VMB1BL", Code: 0x03, FirstGeneration: true, Channels: repeatRole(RoleBlind, 1)},
		{Name: "VMB1DM", Code: 0x07, LegacyDimSpeed: true, Channels: repeatRole(RoleDimmer, 1)},
		{Name: "VMB4RY", Code: 0x08, Channels: repeatRole(RoleRelay, 4)},
		{Name: "VMB2BL", Code: 0x09, FirstGeneration: true, Channels: repeatRole(RoleBlind, 2)},
		{Name: "VMB1LED", Code: 0x0F, LegacyDimSpeed: true, Channels: repeatRole(RoleDimmer, 1)},
		{Name: "VMB4RYLD", Code: 0x10, Channels: repeatRole(RoleRelay, 5)},
		{Name: "VMB4RYNO", Code: 0x11, Channels: repeatRole(RoleRelay, 5)},
		{Name: "VMB4DC", Code: 0x12, Channels: repeatRole(RoleDimmer, 4)},
		{Name: "VMBDME", Code: 0x14, Channels: repeatRole(RoleDimmer, 1)},
		{Name: "VMBDMI", Code: 0x15, Channels: repeatRole(RoleDimmer, 1)},
		{Name: "VMB8PBU", Code: 0x16, Channels: repeatRole(RoleButton, 8), Features: []ChannelRole{RoleAlarmClock}},
		{Name: "VMB6PBN", Code: 0x17, Channels: repeatRole(RoleButton, 8), Features: []ChannelRole{RoleAlarmClock}},
		{Name: "VMB2PBN", Code: 0x18, Channels: repeatRole(RoleButton, 8), Features: []ChannelRole{RoleAlarmClock}},
		{Name: "VMB1RYNO", Code: 0x1B, Channels: repeatRole(RoleRelay, 5)},
		{Name: "VMB2BLE", Code: 0x1D, Channels: repeatRole(RoleBlind, 2)},
		{Name: "VMBGP1", Code: 0x1E, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMBGP2", Code: 0x1F, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMBGP4", Code: 0x20, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMBGPO", Code: 0x21, SubAddresses: 4, Channels: repeatRole(RoleButton, 40), Features: panelFeatures},
		{Name: "VMB7IN", Code: 0x22, Channels: repeatRole(RoleButton, 8), Features: []ChannelRole{RoleCounter, RoleAlarmClock}},
		{Name: "VMBGPOD", Code: 0x28, SubAddresses: 4, Channels: repeatRole(RoleButton, 40), Features: panelFeatures},
		{Name: "VMB1RYNOS", Code: 0x29, Channels: repeatRole(RoleRelay, 5)},
		{Name: "VMBPIRM", Code: 0x2A, Channels: repeatRole(RoleButton, 7), Features: []ChannelRole{RoleAlarmClock}},
		{Name: "VMBPIRC", Code: 0x2B, Channels: repeatRole(RoleButton, 7), Features: []ChannelRole{RoleAlarmClock}},
		{Name: "VMBPIRO", Code: 0x2C, Channels: repeatRole(RoleButton, 8), Features: []ChannelRole{RoleTemperature, RoleAlarmClock}},
		{Name: "VMBGP4PIR", Code: 0x2D, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMB1BLS", Code: 0x2E, Channels: repeatRole(RoleBlind, 1)},
		{Name: "VMBDMIR", Code: 0x2F, Channels: repeatRole(RoleDimmer, 1)},
		{Name: "VMBMETEO", Code: 0x31, Channels: repeatRole(RoleButton, 8), Features: []ChannelRole{RoleTemperature, RoleAlarmClock}},
		{
			Name:         "VMB4AN",
			Code:         0x32,
			SubAddresses: 2,
			Channels: slices.Concat(
				repeatRole(RoleButton, 8),
				repeatRole(RoleAnalogInput, 4),
				repeatRole(RoleAnalogOutput, 4),
			),
			Features: []ChannelRole{RoleAlarmClock},
		},
		{Name: "VMBEL1", Code: 0x34, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMBEL2", Code: 0x35, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMBEL4", Code: 0x36, SubAddresses: 1, Channels: repeatRole(RoleButton, 16), Features: sensorFeatures},
		{Name: "VMBELO", Code: 0x37, SubAddresses: 4, Channels: repeatRole(RoleButton, 40), Features: panelFeatures},
	}

	c := &Catalogue{
		byName: make(map[string]ModuleType, len(types)),
		byCode: make(map[byte]ModuleType, len(types)),
	}
	for _, t := range types {
		c.byName[t.Name] = t
		c.byCode[t.Code] = t
	}
	return c
}

// Lookup returns the module type by name (case-insensitive).
func (c *Catalogue) Lookup(name string) (ModuleType, error) {
	t, ok := c.byName[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return ModuleType{}, fmt.Errorf("%w: %q", ErrUnknownModuleType, name)
	}
	return t, nil
}

// LookupCode returns the module type reporting code in a module type reply.
func (c *Catalogue) LookupCode(code byte) (ModuleType, bool) {
	t, ok := c.byCode[code]
	return t, ok
}

// Names returns all supported module type names, sorted.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
