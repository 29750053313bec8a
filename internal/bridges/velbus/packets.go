package velbus

import (
	"math"
	"time"
)

// Packet layout constants for the builders below.
const (
	// memoTextMaxLength is the number of characters a memo text can hold.
	// One more byte is reserved for the NUL terminator.
	memoTextMaxLength = 63

	// memoTextChunkSize is the number of characters carried per memo packet.
	memoTextChunkSize = 5

	// temperatureResolution is the thermostat set-point step in °C.
	temperatureResolution = 0.5

	// sensorTemperatureResolution is the step of a raw sensor reading in °C.
	sensorTemperatureResolution = 0.0625
)

// Dim speed bytes. First generation dimmers need 0xFFFF to apply the
// value immediately; later ones use 0x0000.
var (
	dimSpeedDefault         = [2]byte{0x00, 0x00}
	dimSpeedFirstGeneration = [2]byte{0xFF, 0xFF}
)

// StatusRequestPacket asks a module to report the state of the given channels.
func StatusRequestPacket(address, channels byte) Packet {
	return NewPacket(address, PriorityLow, CommandStatusRequest, channels)
}

// ModuleTypeRequestPacket asks the module at address to identify itself.
// It is the only remote transmission request the bridge sends.
func ModuleTypeRequestPacket(address byte) Packet {
	return Packet{Priority: PriorityLow, Address: address, RTR: true}
}

// RelayPacket switches the relay channel on or off.
func RelayPacket(id ChannelIdentifier, on bool) Packet {
	cmd := CommandSwitchRelayOff
	if on {
		cmd = CommandSwitchRelayOn
	}
	return NewPacket(id.Address, PriorityHigh, cmd, id.Channel)
}

// BlindPacket moves a blind channel. cmd is CommandBlindUp, CommandBlindDown
// or CommandBlindStop.
func BlindPacket(id ChannelIdentifier, cmd byte) Packet {
	if cmd == CommandBlindStop {
		return NewPacket(id.Address, PriorityHigh, cmd, id.Channel)
	}
	// Zero timeout uses the duration configured on the module.
	return NewPacket(id.Address, PriorityHigh, cmd, id.Channel, 0x00, 0x00, 0x00)
}

// DimmerPacket sets a dimmer channel to percent (0-100) with cmd
// CommandSetValue, or recalls the last level with CommandRestoreLastDimValue.
func DimmerPacket(id ChannelIdentifier, cmd, percent byte, firstGeneration bool) Packet {
	speed := dimSpeedDefault
	if firstGeneration {
		speed = dimSpeedFirstGeneration
	}
	return NewPacket(id.Address, PriorityHigh, cmd, id.Channel, percent, speed[0], speed[1])
}

// FeedbackLEDPacket drives the feedback LED of a push-button channel.
// cmd is one of CommandClearLED through CommandVeryFastBlinkLED.
func FeedbackLEDPacket(id ChannelIdentifier, cmd byte) Packet {
	return NewPacket(id.Address, PriorityLow, cmd, id.Channel)
}

// ReadMemoryPacket reads one byte of module memory.
func ReadMemoryPacket(address byte, memoryAddress uint16) Packet {
	hi, lo := splitWord(memoryAddress)
	return NewPacket(address, PriorityLow, CommandReadDataFromMemory, hi, lo)
}

// ReadMemoryBlockPacket reads four bytes of module memory.
func ReadMemoryBlockPacket(address byte, memoryAddress uint16) Packet {
	hi, lo := splitWord(memoryAddress)
	return NewPacket(address, PriorityLow, CommandReadMemoryBlock, hi, lo)
}

// WriteMemoryPacket writes one byte of module memory.
func WriteMemoryPacket(address byte, memoryAddress uint16, value byte) Packet {
	hi, lo := splitWord(memoryAddress)
	return NewPacket(address, PriorityLow, CommandWriteDataToMemory, hi, lo, value)
}

// MemoTextPackets splits text into the packets that program an OLED memo.
//
// The text is cut to 63 bytes, terminated with NUL and padded with zero
// bytes to a multiple of five. Each packet carries five bytes at an
// increasing offset, so "abcde" needs two packets (offsets 0x00 and 0x05).
func MemoTextPackets(address byte, text string) []Packet {
	raw := []byte(text)
	if len(raw) > memoTextMaxLength {
		raw = raw[:memoTextMaxLength]
	}
	raw = append(raw, 0x00)
	if rem := len(raw) % memoTextChunkSize; rem != 0 {
		raw = append(raw, make([]byte, memoTextChunkSize-rem)...)
	}

	packets := make([]Packet, 0, len(raw)/memoTextChunkSize)
	for offset := 0; offset < len(raw); offset += memoTextChunkSize {
		data := make([]byte, 0, 3+memoTextChunkSize)
		data = append(data, CommandMemoText, 0x00, byte(offset))
		data = append(data, raw[offset:offset+memoTextChunkSize]...)
		packets = append(packets, NewPacket(address, PriorityLow, data...))
	}
	return packets
}

// SetDatePacket broadcasts the calendar date of t.
func SetDatePacket(t time.Time) Packet {
	hi, lo := splitWord(uint16(t.Year())) //nolint:gosec // years fit in 16 bits
	return NewPacket(BroadcastAddress, PriorityLow, CommandSetRealtimeDate,
		byte(t.Day()), byte(t.Month()), hi, lo)
}

// SetRealtimeClockPacket broadcasts the weekday and time of day of t.
// Velbus numbers weekdays from Monday (0) to Sunday (6).
func SetRealtimeClockPacket(t time.Time) Packet {
	weekday := (int(t.Weekday()) + 6) % 7
	return NewPacket(BroadcastAddress, PriorityLow, CommandSetRealtimeClock,
		byte(weekday), byte(t.Hour()), byte(t.Minute()))
}

// DaylightSavingPacket broadcasts whether t falls in daylight saving time.
func DaylightSavingPacket(t time.Time) Packet {
	var dst byte
	if t.IsDST() {
		dst = 0x01
	}
	return NewPacket(BroadcastAddress, PriorityLow, CommandDaylightSavingStatus, dst)
}

// ClockAlarmPacket programs alarm number 1 or 2. A local alarm is sent to
// the module itself; a global alarm is broadcast.
func ClockAlarmPacket(address byte, number int, alarm ClockAlarm) (Packet, error) {
	if number != 1 && number != 2 {
		return Packet{}, ErrInvalidAlarm
	}
	target := address
	if !alarm.Local {
		target = BroadcastAddress
	}
	var enabled byte
	if alarm.Enabled {
		enabled = 0x01
	}
	return NewPacket(target, PriorityLow, CommandSetAlarmClock,
		byte(number), alarm.WakeupHour, alarm.WakeupMinute,
		alarm.BedtimeHour, alarm.BedtimeMinute, enabled), nil
}

// SetTemperaturePacket writes a thermostat set-point. variable selects
// which set-point (see TemperatureVariable).
func SetTemperaturePacket(address byte, variable TemperatureVariable, celsius float64) Packet {
	return NewPacket(address, PriorityLow, CommandSetTemperature, byte(variable), EncodeTemperature(celsius))
}

// ThermostatModePacket switches a thermostat to comfort, day, night or safe mode.
func ThermostatModePacket(address, cmd byte) Packet {
	return NewPacket(address, PriorityLow, cmd, 0x00, 0x00)
}

// OperatingModePacket switches a thermostat between heating and cooling.
func OperatingModePacket(address byte, cooling bool) Packet {
	cmd := CommandSetHeatingMode
	if cooling {
		cmd = CommandSetCoolingMode
	}
	return NewPacket(address, PriorityLow, cmd, 0x00)
}

// SensorReadoutRequestPacket asks a sensor channel for its current value.
func SensorReadoutRequestPacket(address, channel byte) Packet {
	return NewPacket(address, PriorityLow, CommandSensorReadoutRequest, channel, 0x00)
}

// CounterStatusRequestPacket asks a pulse counter channel for its totals.
func CounterStatusRequestPacket(id ChannelIdentifier) Packet {
	return NewPacket(id.Address, PriorityLow, CommandCounterStatusRequest, id.Channel, 0x00)
}

// TemperatureVariable selects a thermostat set-point.
type TemperatureVariable byte

// Thermostat set-points.
const (
	TemperatureCurrent          TemperatureVariable = 0x00
	TemperatureHeatingComfort   TemperatureVariable = 0x01
	TemperatureHeatingDay       TemperatureVariable = 0x02
	TemperatureHeatingNight     TemperatureVariable = 0x03
	TemperatureHeatingAntiFrost TemperatureVariable = 0x04
	TemperatureCoolingComfort   TemperatureVariable = 0x07
	TemperatureCoolingDay       TemperatureVariable = 0x08
	TemperatureCoolingNight     TemperatureVariable = 0x09
	TemperatureCoolingSafe      TemperatureVariable = 0x0A
)

// EncodeTemperature converts °C to a signed half-degree byte.
func EncodeTemperature(celsius float64) byte {
	return byte(int8(math.Round(celsius / temperatureResolution)))
}

// DecodeTemperature converts a signed half-degree byte to °C.
func DecodeTemperature(b byte) float64 {
	return float64(int8(b)) * temperatureResolution
}

// DecodeSensorTemperature converts the two raw bytes of a sensor reading
// (11-bit signed, left aligned) to °C.
func DecodeSensorTemperature(hi, lo byte) float64 {
	raw := int16(uint16(hi)<<8|uint16(lo)) >> 5
	return float64(raw) * sensorTemperatureResolution
}

func splitWord(v uint16) (hi, lo byte) {
	return byte(v >> 8), byte(v)
}
