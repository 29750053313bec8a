// Package velbus implements the Velbus protocol bridge for Gray Logic.
//
// It owns the connection to a Velbus interface (USB serial or a TCP
// gateway such as velserv), frames and paces outgoing packets, routes
// incoming packets to per-module handlers, and translates module state
// to and from Gray Logic's MQTT topics.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │  Velbus Bridge  │  serial/TCP
//	│      Core       │◄────────►│   (this pkg)    │◄────────────► Velbus
//	└─────────────────┘          └─────────────────┘
//
// # Wire Format
//
// Every packet on the bus has the same frame:
//
//	STX(0x0F) | priority | address | rtr<<6 | len | data... | checksum | ETX(0x04)
//
// The first data byte is the command. The checksum is the low byte of
// 0x100 minus the sum of every preceding byte.
//
//	frame, err := velbus.StatusRequestPacket(0x01, velbus.AllChannels).Encode()
//	// 0F FB 01 02 FA FF FA 04
//
// # Addressing
//
// A module answers on a primary address and up to four sub-addresses.
// Each address carries eight channels encoded as one-hot bits; see
// ModuleAddress for the mapping between channel numbers and bits.
//
// # Pacing
//
// The bus tolerates at most one packet per 60ms from the interface.
// Client.SendPacket queues packets and releases them on a timer so
// callers never block.
//
// # Thread Safety
//
// Client, ListenerRegistry, Module and Bridge are safe for concurrent use.
package velbus
