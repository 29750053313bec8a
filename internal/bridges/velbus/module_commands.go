package velbus

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type commandKey struct {
	role    ChannelRole
	command string
}

// channelCommandFunc builds the packets for a command on one channel.
type channelCommandFunc func(m *Module, id ChannelIdentifier, params map[string]any) ([]Packet, error)

// moduleCommand is a command addressed to the module as a whole. feature
// is the role the module must have; zero means every module.
type moduleCommand struct {
	feature ChannelRole
	fn      func(m *Module, params map[string]any) ([]Packet, error)
}

var channelCommands = map[commandKey]channelCommandFunc{
	{RoleRelay, "on"}:  relayCommand(true),
	{RoleRelay, "off"}: relayCommand(false),

	{RoleDimmer, "on"}: func(m *Module, id ChannelIdentifier, _ map[string]any) ([]Packet, error) {
		return []Packet{DimmerPacket(id, CommandRestoreLastDimValue, 0, m.typ.LegacyDimSpeed)}, nil
	},
	{RoleDimmer, "off"}: func(m *Module, id ChannelIdentifier, _ map[string]any) ([]Packet, error) {
		return []Packet{DimmerPacket(id, CommandSetValue, 0, m.typ.LegacyDimSpeed)}, nil
	},
	{RoleDimmer, "dim"}: func(m *Module, id ChannelIdentifier, params map[string]any) ([]Packet, error) {
		level, err := percentParam(params, "level")
		if err != nil {
			return nil, err
		}
		return []Packet{DimmerPacket(id, CommandSetValue, level, m.typ.LegacyDimSpeed)}, nil
	},

	{RoleAnalogOutput, "dim"}: func(_ *Module, id ChannelIdentifier, params map[string]any) ([]Packet, error) {
		level, err := percentParam(params, "level")
		if err != nil {
			return nil, err
		}
		return []Packet{DimmerPacket(id, CommandSetValue, level, false)}, nil
	},

	{RoleBlind, "up"}:   blindCommand(CommandBlindUp),
	{RoleBlind, "down"}: blindCommand(CommandBlindDown),
	{RoleBlind, "stop"}: blindCommand(CommandBlindStop),

	{RoleButton, "set_led"}: func(_ *Module, id ChannelIdentifier, params map[string]any) ([]Packet, error) {
		mode, err := stringParam(params, "mode")
		if err != nil {
			return nil, err
		}
		cmd, ok := ledModes[strings.ToLower(mode)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown LED mode %q", ErrInvalidParameter, mode)
		}
		return []Packet{FeedbackLEDPacket(id, cmd)}, nil
	},
}

var ledModes = map[string]byte{
	"off":       CommandClearLED,
	"on":        CommandSetLED,
	"slow":      CommandSlowBlinkLED,
	"fast":      CommandFastBlinkLED,
	"very_fast": CommandVeryFastBlinkLED,
}

var thermostatModes = map[string]byte{
	"comfort": CommandComfortMode,
	"day":     CommandDayMode,
	"night":   CommandNightMode,
	"safe":    CommandSafeMode,
}

var temperatureVariables = map[string]TemperatureVariable{
	"current":            TemperatureCurrent,
	"heating_comfort":    TemperatureHeatingComfort,
	"heating_day":        TemperatureHeatingDay,
	"heating_night":      TemperatureHeatingNight,
	"heating_anti_frost": TemperatureHeatingAntiFrost,
	"cooling_comfort":    TemperatureCoolingComfort,
	"cooling_day":        TemperatureCoolingDay,
	"cooling_night":      TemperatureCoolingNight,
	"cooling_safe":       TemperatureCoolingSafe,
}

var moduleCommands = map[string]moduleCommand{
	"refresh": {fn: func(m *Module, _ map[string]any) ([]Packet, error) {
		return nil, m.Refresh()
	}},
	"read_temperature": {feature: RoleTemperature, fn: func(m *Module, _ map[string]any) ([]Packet, error) {
		return []Packet{SensorReadoutRequestPacket(m.mapper.Address(), 0x00)}, nil
	}},
	"read_counter": {feature: RoleCounter, fn: readCounter},
	"read_alarms":  {feature: RoleAlarmClock, fn: readAlarms},
	"set_alarm":    {feature: RoleAlarmClock, fn: setAlarm},
	"set_text": {feature: RoleMemoText, fn: func(m *Module, params map[string]any) ([]Packet, error) {
		text, err := stringParam(params, "text")
		if err != nil {
			return nil, err
		}
		return MemoTextPackets(m.mapper.Address(), text), nil
	}},
	"set_temperature": {feature: RoleThermostat, fn: setTemperature},
	"set_mode": {feature: RoleThermostat, fn: func(m *Module, params map[string]any) ([]Packet, error) {
		mode, err := stringParam(params, "mode")
		if err != nil {
			return nil, err
		}
		cmd, ok := thermostatModes[strings.ToLower(mode)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown thermostat mode %q", ErrInvalidParameter, mode)
		}
		return []Packet{ThermostatModePacket(m.mapper.Address(), cmd)}, nil
	}},
	"set_operating_mode": {feature: RoleThermostat, fn: func(m *Module, params map[string]any) ([]Packet, error) {
		mode, err := stringParam(params, "mode")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(mode) {
		case "heating":
			return []Packet{OperatingModePacket(m.mapper.Address(), false)}, nil
		case "cooling":
			return []Packet{OperatingModePacket(m.mapper.Address(), true)}, nil
		default:
			return nil, fmt.Errorf("%w: operating mode must be heating or cooling, got %q", ErrInvalidParameter, mode)
		}
	}},
}

func relayCommand(on bool) channelCommandFunc {
	return func(_ *Module, id ChannelIdentifier, _ map[string]any) ([]Packet, error) {
		return []Packet{RelayPacket(id, on)}, nil
	}
}

func blindCommand(cmd byte) channelCommandFunc {
	return func(_ *Module, id ChannelIdentifier, _ map[string]any) ([]Packet, error) {
		return []Packet{BlindPacket(id, cmd)}, nil
	}
}

// readCounter requests one counter ("counter": 1-4) or all of them.
func readCounter(m *Module, params map[string]any) ([]Packet, error) {
	channel := AllChannels
	if _, ok := params["counter"]; ok {
		n, err := numberParam(params, "counter")
		if err != nil {
			return nil, err
		}
		if n < 1 || n > 4 || n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: counter must be 1-4, got %v", ErrInvalidParameter, n)
		}
		channel = byte(n)
	}
	return []Packet{CounterStatusRequestPacket(ChannelIdentifier{Address: m.mapper.Address(), Channel: channel})}, nil
}

func readAlarms(m *Module, _ map[string]any) ([]Packet, error) {
	if !m.hasAlarmMemory {
		return nil, fmt.Errorf("%w: no alarm memory known for %s", ErrUnsupportedCommand, m.typ.Name)
	}
	return AlarmRefreshPackets(m.mapper.Address(), m.alarmBase), nil
}

// setAlarm merges the given fields over the current alarm and programs it.
// Parameters: alarm (1|2, required), enabled, local, wakeup ("HH:MM"),
// bedtime ("HH:MM").
func setAlarm(m *Module, params map[string]any) ([]Packet, error) {
	n, err := numberParam(params, "alarm")
	if err != nil {
		return nil, err
	}
	if n != 1 && n != 2 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlarm, n)
	}
	number := int(n)

	cfg := m.Alarms()
	alarm, err := cfg.Alarm(number)
	if err != nil {
		return nil, err
	}

	if v, ok := params["enabled"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: 'enabled' must be a boolean", ErrInvalidParameter)
		}
		alarm.Enabled = b
	}
	if v, ok := params["local"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: 'local' must be a boolean", ErrInvalidParameter)
		}
		alarm.Local = b
	}
	if _, ok := params["wakeup"]; ok {
		s, err := stringParam(params, "wakeup")
		if err != nil {
			return nil, err
		}
		if alarm.WakeupHour, alarm.WakeupMinute, err = parseClockTime(s); err != nil {
			return nil, err
		}
	}
	if _, ok := params["bedtime"]; ok {
		s, err := stringParam(params, "bedtime")
		if err != nil {
			return nil, err
		}
		if alarm.BedtimeHour, alarm.BedtimeMinute, err = parseClockTime(s); err != nil {
			return nil, err
		}
	}

	// SetAlarm sends the packet and updates the cached configuration.
	return nil, m.SetAlarm(number, alarm)
}

// setTemperature writes a set-point. Parameters: temperature (°C,
// required), setpoint (default "current").
func setTemperature(m *Module, params map[string]any) ([]Packet, error) {
	celsius, err := numberParam(params, "temperature")
	if err != nil {
		return nil, err
	}
	if celsius < -63.5 || celsius > 63.5 {
		return nil, fmt.Errorf("%w: temperature %.1f out of range", ErrInvalidParameter, celsius)
	}

	variable := TemperatureCurrent
	if _, ok := params["setpoint"]; ok {
		name, err := stringParam(params, "setpoint")
		if err != nil {
			return nil, err
		}
		v, ok := temperatureVariables[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown set-point %q", ErrInvalidParameter, name)
		}
		variable = v
	}
	return []Packet{SetTemperaturePacket(m.mapper.Address(), variable, celsius)}, nil
}

func numberParam(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing '%s' parameter", ErrInvalidParameter, key)
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("%w: '%s' must be a number", ErrInvalidParameter, key)
	}
}

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", fmt.Errorf("%w: missing '%s' parameter", ErrInvalidParameter, key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: '%s' must be a string", ErrInvalidParameter, key)
	}
	return s, nil
}

// percentParam reads a 0-100 value and rounds it to a whole percent.
func percentParam(params map[string]any, key string) (byte, error) {
	v, err := numberParam(params, key)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: '%s' must be 0-100, got %.2f", ErrInvalidParameter, key, v)
	}
	return byte(math.Round(v)), nil
}

// parseClockTime parses "HH:MM".
func parseClockTime(s string) (hour, minute byte, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidParameter, s)
	}
	h, errH := strconv.Atoi(hh)
	mi, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || h < 0 || h > 23 || mi < 0 || mi > 59 {
		return 0, 0, fmt.Errorf("%w: time %q is not HH:MM", ErrInvalidParameter, s)
	}
	return byte(h), byte(mi), nil
}

func formatClockTime(hour, minute byte) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
