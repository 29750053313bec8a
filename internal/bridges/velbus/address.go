package velbus

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Addressing constants.
const (
	// UnsetAddress marks an unused sub-address slot.
	UnsetAddress byte = 0xFF

	// ChannelsPerAddress is the number of one-hot channels per address byte.
	ChannelsPerAddress = 8

	// channelIDPrefix prefixes the textual channel identifiers ("CH1").
	channelIDPrefix = "CH"

	// firstGenerationChannel1 and firstGenerationChannel2 are the fixed
	// channel bit patterns of first generation two-channel modules.
	firstGenerationChannel1 byte = 0x03
	firstGenerationChannel2 byte = 0x0C
)

// ChannelIdentifier names one channel on the bus: the address byte it is
// reached on and its one-hot channel bit.
type ChannelIdentifier struct {
	Address byte
	Channel byte
}

// String returns "0xAA/0xCC".
func (id ChannelIdentifier) String() string {
	return fmt.Sprintf("0x%02X/0x%02X", id.Address, id.Channel)
}

// ChannelMapper converts between channel numbers and bus identifiers.
// Channel numbers are 1-based; indices are 0-based.
type ChannelMapper interface {
	// Address returns the primary address.
	Address() byte

	// ActiveAddresses returns every address the module answers on.
	ActiveAddresses() []byte

	// ChannelIdentifier returns the identifier for a 0-based channel index.
	ChannelIdentifier(index int) (ChannelIdentifier, error)

	// ChannelNumber returns the 1-based channel number of an identifier.
	ChannelNumber(id ChannelIdentifier) (int, error)
}

var (
	_ ChannelMapper = (*ModuleAddress)(nil)
	_ ChannelMapper = (*FirstGenerationAddress)(nil)
)

// ModuleAddress is a module's primary address plus a fixed number of
// sub-address slots. Slot i (1-based) carries channels 8*i+1 .. 8*i+8.
//
// The zero value is not usable; construct with NewModuleAddress.
type ModuleAddress struct {
	address      byte
	subAddresses []byte
}

// NewModuleAddress returns a module with numSubAddresses unset slots.
func NewModuleAddress(address byte, numSubAddresses int) *ModuleAddress {
	if numSubAddresses < 0 {
		numSubAddresses = 0
	}
	subs := make([]byte, numSubAddresses)
	for i := range subs {
		subs[i] = UnsetAddress
	}
	return &ModuleAddress{address: address, subAddresses: subs}
}

// NewModuleAddressWithSubAddresses returns a module whose slots are
// initialised from subAddresses. The slot count is len(subAddresses).
func NewModuleAddressWithSubAddresses(address byte, subAddresses []byte) *ModuleAddress {
	subs := make([]byte, len(subAddresses))
	copy(subs, subAddresses)
	return &ModuleAddress{address: address, subAddresses: subs}
}

// Address returns the primary address.
func (m *ModuleAddress) Address() byte {
	return m.address
}

// SubAddresses returns a copy of all slots, unset ones included.
func (m *ModuleAddress) SubAddresses() []byte {
	out := make([]byte, len(m.subAddresses))
	copy(out, m.subAddresses)
	return out
}

// SetSubAddresses replaces the slot values. Extra values beyond the slot
// count are ignored; missing ones leave the slot unset.
func (m *ModuleAddress) SetSubAddresses(subAddresses []byte) {
	for i := range m.subAddresses {
		if i < len(subAddresses) {
			m.subAddresses[i] = subAddresses[i]
		} else {
			m.subAddresses[i] = UnsetAddress
		}
	}
}

// ActiveAddresses returns the primary address followed by every set slot
// in slot order.
func (m *ModuleAddress) ActiveAddresses() []byte {
	active := make([]byte, 0, 1+len(m.subAddresses))
	active = append(active, m.address)
	for _, sub := range m.subAddresses {
		if sub != UnsetAddress {
			active = append(active, sub)
		}
	}
	return active
}

// ChannelCount returns the number of channels the slots can describe.
func (m *ModuleAddress) ChannelCount() int {
	return ChannelsPerAddress * (1 + len(m.subAddresses))
}

// ChannelIdentifier maps a 0-based channel index to its address and bit.
//
// Returns ErrInvalidChannel when the index is negative, beyond the
// configured slots, or falls in an unset slot.
func (m *ModuleAddress) ChannelIdentifier(index int) (ChannelIdentifier, error) {
	if index < 0 {
		return ChannelIdentifier{}, fmt.Errorf("%w: index %d", ErrInvalidChannel, index)
	}

	slot := index / ChannelsPerAddress
	bit := index % ChannelsPerAddress

	if slot > len(m.subAddresses) {
		return ChannelIdentifier{}, fmt.Errorf("%w: index %d needs sub-address slot %d, module has %d",
			ErrInvalidChannel, index, slot, len(m.subAddresses))
	}

	address := m.address
	if slot > 0 {
		address = m.subAddresses[slot-1]
		if address == UnsetAddress {
			return ChannelIdentifier{}, fmt.Errorf("%w: sub-address slot %d is not set", ErrInvalidChannel, slot)
		}
	}

	return ChannelIdentifier{Address: address, Channel: 1 << bit}, nil
}

// ChannelNumber maps an identifier back to its 1-based channel number.
//
// Returns ErrInvalidChannel when the address is not one of this module's
// slots or the channel byte is not a single bit.
func (m *ModuleAddress) ChannelNumber(id ChannelIdentifier) (int, error) {
	if bits.OnesCount8(id.Channel) != 1 {
		return 0, fmt.Errorf("%w: channel byte 0x%02X is not a single bit", ErrInvalidChannel, id.Channel)
	}

	slot := -1
	if id.Address == m.address {
		slot = 0
	} else if id.Address != UnsetAddress {
		for i, sub := range m.subAddresses {
			if sub == id.Address {
				slot = i + 1
				break
			}
		}
	}
	if slot < 0 {
		return 0, fmt.Errorf("%w: address 0x%02X does not belong to module 0x%02X",
			ErrInvalidChannel, id.Address, m.address)
	}

	return slot*ChannelsPerAddress + bits.TrailingZeros8(id.Channel) + 1, nil
}

// ChannelIndex is ChannelNumber minus one.
func (m *ModuleAddress) ChannelIndex(id ChannelIdentifier) (int, error) {
	n, err := m.ChannelNumber(id)
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

// ChannelID returns the textual identifier ("CH3") of id.
func (m *ModuleAddress) ChannelID(id ChannelIdentifier) (string, error) {
	n, err := m.ChannelNumber(id)
	if err != nil {
		return "", err
	}
	return FormatChannelID(n), nil
}

// String returns the address and set slots as hex.
func (m *ModuleAddress) String() string {
	return formatAddresses(m.ActiveAddresses())
}

// FirstGenerationAddress maps the two channels of first generation blind
// modules (VMB1BL, VMB2BL), which use the fixed channel bytes 0x03 and
// 0x0C instead of one-hot bits.
type FirstGenerationAddress struct {
	address byte
}

// NewFirstGenerationAddress returns a mapper for a first generation module.
func NewFirstGenerationAddress(address byte) *FirstGenerationAddress {
	return &FirstGenerationAddress{address: address}
}

// Address returns the module address.
func (f *FirstGenerationAddress) Address() byte {
	return f.address
}

// ActiveAddresses returns the single module address.
func (f *FirstGenerationAddress) ActiveAddresses() []byte {
	return []byte{f.address}
}

// ChannelIdentifier maps index 0 to 0x03 and index 1 to 0x0C.
func (f *FirstGenerationAddress) ChannelIdentifier(index int) (ChannelIdentifier, error) {
	switch index {
	case 0:
		return ChannelIdentifier{Address: f.address, Channel: firstGenerationChannel1}, nil
	case 1:
		return ChannelIdentifier{Address: f.address, Channel: firstGenerationChannel2}, nil
	default:
		return ChannelIdentifier{}, fmt.Errorf("%w: first generation module has no channel index %d", ErrInvalidChannel, index)
	}
}

// ChannelNumber maps 0x03 to 1 and 0x0C to 2; all other bytes are rejected.
func (f *FirstGenerationAddress) ChannelNumber(id ChannelIdentifier) (int, error) {
	if id.Address != f.address {
		return 0, fmt.Errorf("%w: address 0x%02X does not belong to module 0x%02X",
			ErrInvalidChannel, id.Address, f.address)
	}
	switch id.Channel {
	case firstGenerationChannel1:
		return 1, nil
	case firstGenerationChannel2:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: first generation channel byte 0x%02X", ErrInvalidChannel, id.Channel)
	}
}

// FormatChannelID returns "CH<n>" for a 1-based channel number.
func FormatChannelID(number int) string {
	return channelIDPrefix + strconv.Itoa(number)
}

// ParseChannelID parses "CH<n>" (case-insensitive) into a 1-based number.
func ParseChannelID(s string) (int, error) {
	if len(s) <= len(channelIDPrefix) || !strings.EqualFold(s[:len(channelIDPrefix)], channelIDPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	n, err := strconv.Atoi(s[len(channelIDPrefix):])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	return n, nil
}

// ParseAddress parses a two-digit hex address such as "0A" or "0x0A".
func ParseAddress(s string) (byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if trimmed == "" || len(trimmed) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	v, err := strconv.ParseUint(trimmed, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return byte(v), nil
}

// FormatAddress returns the two-digit upper-case hex form of an address.
func FormatAddress(b byte) string {
	return fmt.Sprintf("%02X", b)
}

func formatAddresses(addrs []byte) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = FormatAddress(a)
	}
	return strings.Join(parts, ",")
}
