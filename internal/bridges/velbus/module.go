package velbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Bus is the part of the Client a Module needs.
type Bus interface {
	SendPacket(packet []byte) error
	RegisterPacketListener(address byte, listener PacketListener) error
	UnregisterPacketListener(address byte)
}

// StatePublisher receives decoded module state. Keys follow the
// "ch<n>_<key>" pattern for channel state and plain keys for module
// level state (e.g. "temperature", "alarm1_enabled").
type StatePublisher interface {
	PublishState(deviceID string, state map[string]any)
}

// StatePublisherFunc adapts a function to StatePublisher.
type StatePublisherFunc func(deviceID string, state map[string]any)

// PublishState calls f(deviceID, state).
func (f StatePublisherFunc) PublishState(deviceID string, state map[string]any) {
	f(deviceID, state)
}

// ModuleOptions holds configuration for creating a module handler.
type ModuleOptions struct {
	// DeviceID is the Gray Logic device identifier.
	DeviceID string

	// Type is the module model from the Catalogue.
	Type ModuleType

	// Address is the primary module address.
	Address byte

	// SubAddresses fills the sub-address slots; missing slots stay unset.
	SubAddresses []byte

	// Bus sends packets and routes inbound frames.
	Bus Bus

	// Publisher receives decoded state. Optional.
	Publisher StatePublisher

	// MemoryMap locates the alarm clock block. Optional; without it alarm
	// settings are only learned from module status packets.
	MemoryMap *MemoryMap

	// RefreshInterval polls counters, analog inputs and temperature.
	// Zero disables polling.
	RefreshInterval time.Duration

	// Clock drives polling. Default: the real clock.
	Clock clockwork.Clock

	// Logger is optional.
	Logger Logger
}

// Module translates between Gray Logic commands and one Velbus module.
//
// It is the PacketListener for every active address of the module, so
// inbound frames arrive on the client's read goroutine.
//
// Thread Safety: all methods are safe for concurrent use.
type Module struct {
	deviceID  string
	typ       ModuleType
	mapper    ChannelMapper
	bus       Bus
	publisher StatePublisher

	alarmBase      uint16
	hasAlarmMemory bool

	refreshInterval time.Duration
	clock           clockwork.Clock

	mu          sync.Mutex
	alarms      ClockAlarmConfiguration
	registered  []byte
	initialized bool
	stop        chan struct{}
	wg          sync.WaitGroup

	logger Logger
}

// NewModule creates a module handler. Call Initialize to start receiving.
func NewModule(opts ModuleOptions) (*Module, error) {
	if opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: device ID is required", ErrInvalidConfig)
	}
	if opts.Type.Name == "" {
		return nil, fmt.Errorf("%w: empty module type", ErrUnknownModuleType)
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: bus is required", ErrInvalidConfig)
	}
	if opts.Address == BroadcastAddress || opts.Address == UnsetAddress {
		return nil, fmt.Errorf("%w: 0x%02X is reserved", ErrInvalidAddress, opts.Address)
	}
	for _, sub := range opts.SubAddresses {
		if sub == BroadcastAddress {
			return nil, fmt.Errorf("%w: sub-address 0x00 is reserved", ErrInvalidAddress)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	m := &Module{
		deviceID:        opts.DeviceID,
		typ:             opts.Type,
		mapper:          opts.Type.NewMapper(opts.Address, opts.SubAddresses),
		bus:             opts.Bus,
		publisher:       opts.Publisher,
		refreshInterval: opts.RefreshInterval,
		clock:           clock,
		alarms:          DefaultClockAlarmConfiguration(),
		logger:          opts.Logger,
	}

	if opts.MemoryMap != nil && opts.Type.HasFeature(RoleAlarmClock) {
		if base, err := opts.MemoryMap.AlarmConfigurationAddress(opts.Type.Name); err == nil {
			m.alarmBase = base
			m.hasAlarmMemory = true
		}
	}

	return m, nil
}

// DeviceID returns the Gray Logic device identifier.
func (m *Module) DeviceID() string {
	return m.deviceID
}

// Type returns the module model.
func (m *Module) Type() ModuleType {
	return m.typ
}

// Address returns the primary module address.
func (m *Module) Address() byte {
	return m.mapper.Address()
}

// ActiveAddresses returns the primary and all set sub-addresses.
func (m *Module) ActiveAddresses() []byte {
	return m.mapper.ActiveAddresses()
}

// Initialize registers the module for all its addresses and requests
// the channel status. A bus that is not connected yet is not an error;
// call Refresh once it is.
func (m *Module) Initialize() error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}

	addrs := m.mapper.ActiveAddresses()
	for i, addr := range addrs {
		if err := m.bus.RegisterPacketListener(addr, m); err != nil {
			for _, done := range addrs[:i] {
				m.bus.UnregisterPacketListener(done)
			}
			m.mu.Unlock()
			return fmt.Errorf("register address %s: %w", FormatAddress(addr), err)
		}
	}
	m.registered = addrs
	m.initialized = true

	if m.refreshInterval > 0 && m.polls() {
		m.stop = make(chan struct{})
		m.wg.Add(1)
		go m.pollLoop(m.stop)
	}
	m.mu.Unlock()

	if err := m.send(m.statusRequests()...); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Dispose stops polling and unregisters all addresses. Safe to call more
// than once.
func (m *Module) Dispose() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	stop := m.stop
	m.stop = nil
	registered := m.registered
	m.registered = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.wg.Wait()

	for _, addr := range registered {
		m.bus.UnregisterPacketListener(addr)
	}
}

// Refresh requests the status of every channel and, for modules with an
// alarm clock, the alarm memory block.
func (m *Module) Refresh() error {
	packets := m.statusRequests()
	if m.hasAlarmMemory {
		packets = append(packets, AlarmRefreshPackets(m.mapper.Address(), m.alarmBase)...)
	}
	return m.send(packets...)
}

// statusRequests asks every active address for the state of all channels,
// primary address first.
func (m *Module) statusRequests() []Packet {
	addrs := m.mapper.ActiveAddresses()
	packets := make([]Packet, 0, len(addrs))
	for _, addr := range addrs {
		packets = append(packets, StatusRequestPacket(addr, AllChannels))
	}
	return packets
}

// Execute runs a Gray Logic command against the module.
//
// Channel commands take a "channel" parameter ("CH3" or 3); modules with
// a single channel default to channel 1.
//
// Returns:
//   - ErrUnsupportedCommand when the module or channel cannot run command
//   - ErrInvalidChannel or ErrInvalidParameter for bad parameters
//   - errors from the bus, e.g. ErrNotConnected
func (m *Module) Execute(command string, params map[string]any) error {
	if mc, ok := moduleCommands[command]; ok && (mc.feature == 0 || m.typ.HasFeature(mc.feature)) {
		packets, err := mc.fn(m, params)
		if err != nil {
			return err
		}
		return m.send(packets...)
	}

	number, err := m.channelParam(params)
	if err != nil {
		if _, known := moduleCommands[command]; known {
			return fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, command, m.typ.Name)
		}
		return err
	}
	role, ok := m.typ.ChannelRole(number)
	if !ok {
		return fmt.Errorf("%w: %s has no %s", ErrInvalidChannel, m.typ.Name, FormatChannelID(number))
	}

	fn, ok := channelCommands[commandKey{role: role, command: command}]
	if !ok {
		return fmt.Errorf("%w: %s on %s channel", ErrUnsupportedCommand, command, role)
	}

	id, err := m.channelIdentifier(number, role)
	if err != nil {
		return err
	}
	packets, err := fn(m, id, params)
	if err != nil {
		return err
	}
	return m.send(packets...)
}

// SetAlarm programs alarm 1 or 2 and publishes the new alarm state.
func (m *Module) SetAlarm(number int, alarm ClockAlarm) error {
	if !m.typ.HasFeature(RoleAlarmClock) {
		return fmt.Errorf("%w: %s has no alarm clock", ErrUnsupportedCommand, m.typ.Name)
	}
	if err := alarm.Validate(); err != nil {
		return err
	}
	packet, err := ClockAlarmPacket(m.mapper.Address(), number, alarm)
	if err != nil {
		return err
	}
	if err := m.send(packet); err != nil {
		return err
	}

	m.mu.Lock()
	err = m.alarms.SetAlarm(number, alarm)
	cfg := m.alarms
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publish(alarmState(cfg))
	return nil
}

// SetMemoText shows text on the memo display of a glass panel.
func (m *Module) SetMemoText(text string) error {
	if !m.typ.HasFeature(RoleMemoText) {
		return fmt.Errorf("%w: %s has no memo text", ErrUnsupportedCommand, m.typ.Name)
	}
	packets := MemoTextPackets(m.mapper.Address(), text)
	return m.send(packets...)
}

// Alarms returns the last known alarm clock configuration.
func (m *Module) Alarms() ClockAlarmConfiguration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alarms
}

// OnPacketReceived decodes a frame from one of the module's addresses
// and publishes the resulting state.
func (m *Module) OnPacketReceived(frame []byte) {
	p, err := DecodePacket(frame)
	if err != nil {
		m.logDebug("ignoring undecodable frame", "device", m.deviceID, "error", err.Error())
		return
	}
	cmd, ok := p.Command()
	if !ok || p.RTR {
		return
	}

	decode, ok := decoders[cmd]
	if !ok {
		return
	}
	state := decode(m, p.Address, p.Data)
	if len(state) == 0 {
		return
	}
	m.publish(state)
}

// channelParam reads the "channel" parameter. Single channel modules
// default to channel 1.
func (m *Module) channelParam(params map[string]any) (int, error) {
	raw, ok := params["channel"]
	if !ok {
		if len(m.typ.Channels) == 1 {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: missing 'channel' parameter", ErrInvalidParameter)
	}

	switch v := raw.(type) {
	case string:
		return ParseChannelID(v)
	case float64:
		if v < 1 || v != float64(int(v)) {
			return 0, fmt.Errorf("%w: channel %v", ErrInvalidChannel, v)
		}
		return int(v), nil
	case int:
		if v < 1 {
			return 0, fmt.Errorf("%w: channel %d", ErrInvalidChannel, v)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("%w: 'channel' must be \"CH<n>\" or a number", ErrInvalidParameter)
	}
}

// channelIdentifier resolves a 1-based channel number. Analog channels
// are addressed by their plain number on the primary address.
func (m *Module) channelIdentifier(number int, role ChannelRole) (ChannelIdentifier, error) {
	if role.Raw() {
		return ChannelIdentifier{Address: m.mapper.Address(), Channel: byte(number)}, nil
	}
	return m.mapper.ChannelIdentifier(number - 1)
}

// channelNumber resolves an inbound channel byte to its 1-based number.
func (m *Module) channelNumber(source, channel byte) (int, bool) {
	n, err := m.mapper.ChannelNumber(ChannelIdentifier{Address: source, Channel: channel})
	if err != nil {
		return 0, false
	}
	return n, true
}

func (m *Module) polls() bool {
	if m.typ.HasFeature(RoleCounter) || m.typ.HasFeature(RoleTemperature) {
		return true
	}
	for _, role := range m.typ.Channels {
		if role == RoleAnalogInput {
			return true
		}
	}
	return false
}

// pollLoop requests readings every refresh interval, starting at once.
func (m *Module) pollLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	for {
		m.poll()
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}
	}
}

func (m *Module) poll() {
	var packets []Packet
	address := m.mapper.Address()
	if m.typ.HasFeature(RoleCounter) {
		packets = append(packets, CounterStatusRequestPacket(ChannelIdentifier{Address: address, Channel: AllChannels}))
	}
	if m.typ.HasFeature(RoleTemperature) {
		packets = append(packets, SensorReadoutRequestPacket(address, 0x00))
	}
	for _, role := range m.typ.Channels {
		if role == RoleAnalogInput {
			packets = append(packets, SensorReadoutRequestPacket(address, AllChannels))
			break
		}
	}

	if err := m.send(packets...); err != nil {
		m.logDebug("poll skipped", "device", m.deviceID, "reason", err.Error())
	}
}

// send encodes and queues packets in order, stopping at the first error.
func (m *Module) send(packets ...Packet) error {
	for _, p := range packets {
		frame, err := p.Encode()
		if err != nil {
			return err
		}
		if err := m.bus.SendPacket(frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Module) publish(state map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishState(m.deviceID, state)
}

func (m *Module) logDebug(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, keysAndValues...)
	}
}

// channelKey returns the state key of a channel value, e.g. "ch3_on".
func channelKey(number int, key string) string {
	return fmt.Sprintf("ch%d_%s", number, key)
}
