// Package bmc decodes chassis hardware-telemetry packets from the BMC
// multicast stream and routes them to the time-series store and the node
// registry.
package bmc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Marker bounds every packet; head and tail must both match.
const Marker = 0xA55A

const (
	fanCount    = 2
	boardCount  = 14
	sensorCount = 5
)

// SensorInfo is one sensor reading inside a board block. The name is a
// NUL-padded 6-byte field; the 16-bit value is split into low and high
// bytes.
type SensorInfo struct {
	Seq       uint8
	Type      uint8
	Name      [6]byte
	ValueLo   uint8
	ValueHi   uint8
	AlarmType uint8
	Reserved  uint8
}

// Value reassembles the sensor reading.
func (s SensorInfo) Value() uint16 {
	return uint16(s.ValueHi)<<8 | uint16(s.ValueLo)
}

// CleanName returns the sanitized sensor name: decoding stops at the first
// NUL, every byte outside [A-Za-z0-9_] becomes '_', and an empty result is
// replaced with "unknown".
func (s SensorInfo) CleanName() string {
	var b strings.Builder
	for _, c := range s.Name {
		if c == 0 {
			break
		}
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// BoardInfo is one chassis slot's block. ModuleType zero means the slot is
// empty and the block carries no data.
type BoardInfo struct {
	IPMBAddr   uint8
	ModuleType uint16
	BMCCompany uint16
	BMCVersion [8]uint8
	SensorNum  uint8
	Sensors    [sensorCount]SensorInfo
	Reserved   [2]uint8
}

// Empty reports whether the slot holds no module.
func (b BoardInfo) Empty() bool { return b.ModuleType == 0 }

// VersionString renders the BMC firmware version field up to the first NUL.
func (b BoardInfo) VersionString() string {
	n := 0
	for n < len(b.BMCVersion) && b.BMCVersion[n] != 0 {
		n++
	}
	return string(b.BMCVersion[:n])
}

// FanInfo is one chassis fan block. The mode byte packs the alarm type in
// the high nibble and the work mode in the low nibble.
type FanInfo struct {
	FanSeq  uint8
	FanMode uint8
	Speed   uint32
}

// AlarmType extracts the high nibble of the mode byte.
func (f FanInfo) AlarmType() uint8 { return f.FanMode >> 4 }

// WorkMode extracts the low nibble of the mode byte.
func (f FanInfo) WorkMode() uint8 { return f.FanMode & 0x0F }

// Packet is the fixed little-endian chassis telemetry frame.
type Packet struct {
	Head      uint16
	Length    uint16
	Sequence  uint16
	Type      uint16
	Timestamp uint32
	Reserved  [4]uint8
	BoxName   [16]byte
	BoxID     uint16
	Fans      [fanCount]FanInfo
	Boards    [boardCount]BoardInfo
	Tail      uint16
}

// PacketSize is the exact wire size of a Packet.
var PacketSize = binary.Size(Packet{})

// BoxNameString renders the chassis name up to the first NUL.
func (p *Packet) BoxNameString() string {
	n := 0
	for n < len(p.BoxName) && p.BoxName[n] != 0 {
		n++
	}
	return string(p.BoxName[:n])
}

// Decode parses and validates one datagram. Packets with a wrong size,
// head, tail, or self-declared length are rejected.
func Decode(data []byte) (*Packet, error) {
	if len(data) != PacketSize {
		return nil, fmt.Errorf("packet size %d, want %d", len(data), PacketSize)
	}
	var p Packet
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	if p.Head != Marker || p.Tail != Marker {
		return nil, fmt.Errorf("bad frame markers head=%#x tail=%#x", p.Head, p.Tail)
	}
	if int(p.Length) != PacketSize {
		return nil, fmt.Errorf("declared length %d, want %d", p.Length, PacketSize)
	}
	return &p, nil
}

// ipmbSlots maps IPMB hardware addresses onto chassis slot numbers. The
// mapping is bijective over these values; anything else is unknown.
var ipmbSlots = map[uint8]int{
	0x7c: 1, 0x7a: 2, 0x38: 3, 0x76: 4, 0x34: 5, 0x32: 6, 0x70: 7,
	0x6e: 8, 0x2c: 9, 0x2a: 10, 0x68: 11, 0x26: 12, 0x02: 13, 0x04: 14,
}

// SlotForIPMB resolves an IPMB address to its slot id.
func SlotForIPMB(addr uint8) (int, bool) {
	slot, ok := ipmbSlots[addr]
	return slot, ok
}

// Host numbers within a subnet, indexed by slot. Slots 1-7 live on the even
// subnet, slots 8-12 on the odd one.
var (
	lowSlotHosts  = [7]int{5, 37, 69, 101, 133, 170, 180}
	highSlotHosts = [5]int{5, 37, 69, 101, 133}
)

// HostIPForSlot derives the node management IP from chassis and slot
// numbers. Unknown slots fall back to host number 5 on the derived subnet;
// the second return reports whether the slot was known.
func HostIPForSlot(boxID, slotID int) (string, bool) {
	subnet := 2 * boxID
	if slotID >= 8 {
		subnet = 2*boxID + 1
	}
	switch {
	case slotID >= 1 && slotID <= 7:
		return fmt.Sprintf("192.168.%d.%d", subnet, lowSlotHosts[slotID-1]), true
	case slotID >= 8 && slotID <= 12:
		return fmt.Sprintf("192.168.%d.%d", subnet, highSlotHosts[slotID-8]), true
	default:
		return fmt.Sprintf("192.168.%d.5", subnet), false
	}
}
