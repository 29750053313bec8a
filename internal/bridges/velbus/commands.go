package velbus

// Velbus command bytes (first data byte of a packet).
const (
	CommandPushButtonStatus       byte = 0x00
	CommandSwitchRelayOff         byte = 0x01
	CommandSwitchRelayOn          byte = 0x02
	CommandBlindStop              byte = 0x04
	CommandBlindUp                byte = 0x05
	CommandBlindDown              byte = 0x06
	CommandSetValue               byte = 0x07
	CommandRestoreLastDimValue    byte = 0x11
	CommandSensorRawData          byte = 0xA9
	CommandMemoText               byte = 0xAC
	CommandDaylightSavingStatus   byte = 0xAF
	CommandSetRealtimeDate        byte = 0xB7
	CommandDimmerControllerStatus byte = 0xB8
	CommandCounterStatusRequest   byte = 0xBD
	CommandCounterStatus          byte = 0xBE
	CommandSetAlarmClock          byte = 0xC3
	CommandReadMemoryBlock        byte = 0xC9
	CommandMemoryDataBlock        byte = 0xCC
	CommandSetRealtimeClock       byte = 0xD8
	CommandComfortMode            byte = 0xDB
	CommandDayMode                byte = 0xDC
	CommandNightMode              byte = 0xDD
	CommandSafeMode               byte = 0xDE
	CommandSetCoolingMode         byte = 0xDF
	CommandSetHeatingMode         byte = 0xE0
	CommandSetTemperature         byte = 0xE4
	CommandSensorReadoutRequest   byte = 0xE5
	CommandSensorTemperature      byte = 0xE6
	CommandSensorSettingsPart1    byte = 0xE8
	CommandSensorSettingsPart2    byte = 0xE9
	CommandTempSensorStatus       byte = 0xEA
	CommandBlindStatus            byte = 0xEC
	CommandModuleStatus           byte = 0xED
	CommandDimmerStatus           byte = 0xEE
	CommandClearLED               byte = 0xF5
	CommandSetLED                 byte = 0xF6
	CommandSlowBlinkLED           byte = 0xF7
	CommandFastBlinkLED           byte = 0xF8
	CommandVeryFastBlinkLED       byte = 0xF9
	CommandStatusRequest          byte = 0xFA
	CommandRelayStatus            byte = 0xFB
	CommandWriteDataToMemory      byte = 0xFC
	CommandReadDataFromMemory     byte = 0xFD
	CommandMemoryData             byte = 0xFE
	CommandModuleType             byte = 0xFF
)

// Well-known addresses and channel masks.
const (
	// BroadcastAddress reaches every module on the bus.
	BroadcastAddress byte = 0x00

	// AllChannels selects all eight channels of an address.
	AllChannels byte = 0xFF
)

// commandNames is used for log output only.
var commandNames = map[byte]string{
	CommandPushButtonStatus:       "push_button_status",
	CommandSwitchRelayOff:         "switch_relay_off",
	CommandSwitchRelayOn:          "switch_relay_on",
	CommandBlindStop:              "blind_stop",
	CommandBlindUp:                "blind_up",
	CommandBlindDown:              "blind_down",
	CommandSetValue:               "set_value",
	CommandRestoreLastDimValue:    "restore_last_dim_value",
	CommandSensorRawData:          "sensor_raw_data",
	CommandMemoText:               "memo_text",
	CommandDaylightSavingStatus:   "daylight_saving_status",
	CommandSetRealtimeDate:        "set_realtime_date",
	CommandDimmerControllerStatus: "dimmer_controller_status",
	CommandCounterStatusRequest:   "counter_status_request",
	CommandCounterStatus:          "counter_status",
	CommandSetAlarmClock:          "set_alarm_clock",
	CommandReadMemoryBlock:        "read_memory_block",
	CommandMemoryDataBlock:        "memory_data_block",
	CommandSetRealtimeClock:       "set_realtime_clock",
	CommandComfortMode:            "comfort_mode",
	CommandDayMode:                "day_mode",
	CommandNightMode:              "night_mode",
	CommandSafeMode:               "safe_mode",
	CommandSetCoolingMode:         "set_cooling_mode",
	CommandSetHeatingMode:         "set_heating_mode",
	CommandSetTemperature:         "set_temperature",
	CommandSensorReadoutRequest:   "sensor_readout_request",
	CommandSensorTemperature:      "sensor_temperature",
	CommandSensorSettingsPart1:    "sensor_settings_part1",
	CommandSensorSettingsPart2:    "sensor_settings_part2",
	CommandTempSensorStatus:       "temp_sensor_status",
	CommandBlindStatus:            "blind_status",
	CommandModuleStatus:           "module_status",
	CommandDimmerStatus:           "dimmer_status",
	CommandClearLED:               "clear_led",
	CommandSetLED:                 "set_led",
	CommandSlowBlinkLED:           "slow_blink_led",
	CommandFastBlinkLED:           "fast_blink_led",
	CommandVeryFastBlinkLED:       "very_fast_blink_led",
	CommandStatusRequest:          "status_request",
	CommandRelayStatus:            "relay_status",
	CommandWriteDataToMemory:      "write_data_to_memory",
	CommandReadDataFromMemory:     "read_data_from_memory",
	CommandMemoryData:             "memory_data",
	CommandModuleType:             "module_type",
}

// CommandName returns a readable name for cmd, or "unknown".
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return "unknown"
}
