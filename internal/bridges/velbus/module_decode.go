package velbus

import (
	"encoding/binary"
	"strconv"
)

// decodeFunc turns the data bytes of a frame from source into state
// values. A nil or empty result publishes nothing.
type decodeFunc func(m *Module, source byte, data []byte) map[string]any

var decoders = map[byte]decodeFunc{
	CommandRelayStatus:            decodeRelayStatus,
	CommandDimmerStatus:           decodeDimmerStatus,
	CommandDimmerControllerStatus: decodeDimmerStatus,
	CommandBlindStatus:            decodeBlindStatus,
	CommandPushButtonStatus:       decodePushButtonStatus,
	CommandSensorTemperature:      decodeSensorTemperature,
	CommandTempSensorStatus:       decodeThermostatStatus,
	CommandSensorSettingsPart1:    decodeHeatingSetpoints,
	CommandSensorSettingsPart2:    decodeCoolingSetpoints,
	CommandCounterStatus:          decodeCounterStatus,
	CommandSensorRawData:          decodeSensorRawData,
	CommandMemoryData:             decodeMemoryData,
	CommandMemoryDataBlock:        decodeMemoryDataBlock,
	CommandModuleStatus:           decodeModuleStatus,
}

// Blind motion as reported in byte 3 of a blind status packet.
var blindMotions = map[byte]string{
	0x00: "stopped",
	0x01: "up",
	0x02: "down",
}

// Thermostat mode bits of a temperature sensor status packet.
const (
	thermostatCoolingMask byte = 0x80
	thermostatModeMask    byte = 0x70
	thermostatComfortBits byte = 0x40
	thermostatDayBits     byte = 0x20
	thermostatNightBits   byte = 0x10
)

// Resolution of the VMB4AN raw sensor modes.
var sensorModes = map[byte]struct {
	key        string
	resolution float64
}{
	0x00: {"voltage_mv", 0.25},
	0x01: {"current_ua", 5},
	0x02: {"resistance_mohm", 0.25},
	0x03: {"period_us", 0.5},
}

const (
	counterChannelMask byte = 0x03
	counterUnitMask    byte = 0x7C

	// millisecondsPerHour scales the pulse period into a rate per hour.
	millisecondsPerHour = 3600 * 1000
)

func decodeRelayStatus(m *Module, source byte, data []byte) map[string]any {
	if len(data) < 4 {
		return nil
	}
	n, ok := m.channelNumber(source, data[1])
	if !ok {
		return nil
	}
	return map[string]any{channelKey(n, "on"): data[3]&0x01 != 0}
}

func decodeDimmerStatus(m *Module, source byte, data []byte) map[string]any {
	if len(data) < 4 {
		return nil
	}
	n, ok := m.channelNumber(source, data[1])
	if !ok {
		return nil
	}
	level := int(data[3])
	return map[string]any{
		channelKey(n, "level"): level,
		channelKey(n, "on"):    level > 0,
	}
}

func decodeBlindStatus(m *Module, source byte, data []byte) map[string]any {
	if len(data) < 4 {
		return nil
	}
	n, ok := m.channelNumber(source, data[1])
	if !ok {
		return nil
	}
	motion, ok := blindMotions[data[3]]
	if !ok {
		return nil
	}
	return map[string]any{channelKey(n, "motion"): motion}
}

// decodePushButtonStatus reports the pressed, released and long pressed
// bit masks of a push-button status packet, relative to source.
func decodePushButtonStatus(m *Module, source byte, data []byte) map[string]any {
	if len(data) < 4 {
		return nil
	}
	state := make(map[string]any)
	eachBit(data[1], func(bit byte) {
		if n, ok := m.channelNumber(source, bit); ok {
			state[channelKey(n, "pressed")] = true
		}
	})
	eachBit(data[2], func(bit byte) {
		if n, ok := m.channelNumber(source, bit); ok {
			state[channelKey(n, "pressed")] = false
			state[channelKey(n, "long_pressed")] = false
		}
	})
	eachBit(data[3], func(bit byte) {
		if n, ok := m.channelNumber(source, bit); ok {
			state[channelKey(n, "long_pressed")] = true
		}
	})
	return state
}

func eachBit(mask byte, fn func(bit byte)) {
	for i := 0; i < ChannelsPerAddress; i++ {
		if bit := byte(1) << i; mask&bit != 0 {
			fn(bit)
		}
	}
}

func decodeSensorTemperature(m *Module, _ byte, data []byte) map[string]any {
	if !m.typ.HasFeature(RoleTemperature) || len(data) < 3 {
		return nil
	}
	state := map[string]any{"temperature": DecodeSensorTemperature(data[1], data[2])}
	if len(data) >= 7 {
		state["temperature_min"] = DecodeSensorTemperature(data[3], data[4])
		state["temperature_max"] = DecodeSensorTemperature(data[5], data[6])
	}
	return state
}

func decodeThermostatStatus(m *Module, _ byte, data []byte) map[string]any {
	if !m.typ.HasFeature(RoleThermostat) || len(data) < 6 {
		return nil
	}

	operating := "heating"
	if data[1]&thermostatCoolingMask != 0 {
		operating = "cooling"
	}
	var mode string
	switch data[1] & thermostatModeMask {
	case thermostatComfortBits:
		mode = "comfort"
	case thermostatDayBits:
		mode = "day"
	case thermostatNightBits:
		mode = "night"
	default:
		mode = "safe"
	}

	return map[string]any{
		"operating_mode":     operating,
		"thermostat_mode":    mode,
		"target_temperature": DecodeTemperature(data[5]),
	}
}

func decodeHeatingSetpoints(m *Module, _ byte, data []byte) map[string]any {
	if !m.typ.HasFeature(RoleThermostat) || len(data) < 6 {
		return nil
	}
	return map[string]any{
		"setpoint_current":            DecodeTemperature(data[1]),
		"setpoint_heating_comfort":    DecodeTemperature(data[2]),
		"setpoint_heating_day":        DecodeTemperature(data[3]),
		"setpoint_heating_night":      DecodeTemperature(data[4]),
		"setpoint_heating_anti_frost": DecodeTemperature(data[5]),
	}
}

func decodeCoolingSetpoints(m *Module, _ byte, data []byte) map[string]any {
	if !m.typ.HasFeature(RoleThermostat) || len(data) < 5 {
		return nil
	}
	return map[string]any{
		"setpoint_cooling_comfort": DecodeTemperature(data[1]),
		"setpoint_cooling_day":     DecodeTemperature(data[2]),
		"setpoint_cooling_night":   DecodeTemperature(data[3]),
		"setpoint_cooling_safe":    DecodeTemperature(data[4]),
	}
}

// decodeCounterStatus reports the total (in units) and current rate (units
// per hour) of one of four pulse counters. Bits 2-6 of the channel byte
// give the pulses per unit in hundreds.
func decodeCounterStatus(m *Module, _ byte, data []byte) map[string]any {
	if !m.typ.HasFeature(RoleCounter) || len(data) < 8 {
		return nil
	}
	counter := int(data[1]&counterChannelMask) + 1
	pulsesPerUnit := float64((data[1]&counterUnitMask)>>2) * 100
	if pulsesPerUnit == 0 {
		return nil
	}

	total := float64(binary.BigEndian.Uint32(data[2:6])) / pulsesPerUnit
	state := map[string]any{counterKey(counter, ""): total}

	if period := binary.BigEndian.Uint16(data[6:8]); period > 0 {
		state[counterKey(counter, "_current")] = millisecondsPerHour / (float64(period) * pulsesPerUnit)
	} else {
		state[counterKey(counter, "_current")] = 0.0
	}
	return state
}

func counterKey(counter int, suffix string) string {
	return "counter" + strconv.Itoa(counter) + suffix
}

// decodeSensorRawData reports a VMB4AN analog input in the unit of its
// configured mode. The channel byte is the plain channel number.
func decodeSensorRawData(m *Module, _ byte, data []byte) map[string]any {
	if len(data) < 6 {
		return nil
	}
	number := int(data[1])
	if role, ok := m.typ.ChannelRole(number); !ok || role != RoleAnalogInput {
		return nil
	}
	mode, ok := sensorModes[data[2]]
	if !ok {
		return nil
	}
	raw := uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5])
	return map[string]any{channelKey(number, mode.key): float64(raw) * mode.resolution}
}

func decodeMemoryData(m *Module, _ byte, data []byte) map[string]any {
	if len(data) < 4 {
		return nil
	}
	return m.applyAlarmMemory(binary.BigEndian.Uint16(data[1:3]), data[3:4])
}

func decodeMemoryDataBlock(m *Module, _ byte, data []byte) map[string]any {
	if len(data) < 7 {
		return nil
	}
	return m.applyAlarmMemory(binary.BigEndian.Uint16(data[1:3]), data[3:7])
}

// decodeModuleStatus picks the alarm enabled and global flags from byte 6
// of a module status packet.
func decodeModuleStatus(m *Module, _ byte, data []byte) map[string]any {
	if !m.typ.HasFeature(RoleAlarmClock) || len(data) < 7 {
		return nil
	}
	m.mu.Lock()
	m.alarms.ApplyModuleStatus(data[6])
	cfg := m.alarms
	m.mu.Unlock()
	return alarmState(cfg)
}

// applyAlarmMemory stores memory bytes that fall in the alarm block.
func (m *Module) applyAlarmMemory(address uint16, values []byte) map[string]any {
	if !m.hasAlarmMemory {
		return nil
	}
	end := int(address) + len(values)
	if end <= int(m.alarmBase) || int(address) >= int(m.alarmBase)+alarmMemorySize {
		return nil
	}

	m.mu.Lock()
	m.alarms.ApplyMemory(m.alarmBase, address, values...)
	cfg := m.alarms
	m.mu.Unlock()
	return alarmState(cfg)
}

func alarmState(cfg ClockAlarmConfiguration) map[string]any {
	state := make(map[string]any, 8)
	for i, a := range []ClockAlarm{cfg.Alarm1, cfg.Alarm2} {
		prefix := "alarm" + strconv.Itoa(i+1) + "_"
		state[prefix+"enabled"] = a.Enabled
		state[prefix+"local"] = a.Local
		state[prefix+"wakeup"] = formatClockTime(a.WakeupHour, a.WakeupMinute)
		state[prefix+"bedtime"] = formatClockTime(a.BedtimeHour, a.BedtimeMinute)
	}
	return state
}
