package bmc

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/gridwatch/internal/registry"
	"github.com/gridwatch/gridwatch/internal/tsdb"
)

func validPacket() Packet {
	p := Packet{
		Head:      Marker,
		Length:    uint16(PacketSize),
		Sequence:  1,
		Timestamp: 1724400000,
		BoxID:     3,
		Tail:      Marker,
	}
	copy(p.BoxName[:], "chassis-3")
	return p
}

func encode(t *testing.T, p Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &p))
	return buf.Bytes()
}

func TestDecodeValidPacket(t *testing.T) {
	data := encode(t, validPacket())
	require.Len(t, data, PacketSize)

	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), p.BoxID)
	assert.Equal(t, "chassis-3", p.BoxNameString())
}

func TestDecodeRejectsBadMarkers(t *testing.T) {
	p := validPacket()
	p.Head = 0xDEAD
	_, err := Decode(encode(t, p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame markers")

	p = validPacket()
	p.Tail = 0
	_, err = Decode(encode(t, p))
	require.Error(t, err)
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	data := encode(t, validPacket())
	_, err := Decode(data[:len(data)-1])
	require.Error(t, err)

	_, err = Decode(append(data, 0))
	require.Error(t, err)
}

func TestDecodeRejectsWrongDeclaredLength(t *testing.T) {
	p := validPacket()
	p.Length = 10
	_, err := Decode(encode(t, p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared length")
}

func TestSensorValue(t *testing.T) {
	s := SensorInfo{ValueLo: 0x2C, ValueHi: 0x00}
	assert.Equal(t, uint16(44), s.Value())

	s = SensorInfo{ValueLo: 0x01, ValueHi: 0x02}
	assert.Equal(t, uint16(0x0201), s.Value())
}

func TestSensorCleanName(t *testing.T) {
	name := func(raw string) string {
		var s SensorInfo
		copy(s.Name[:], raw)
		return s.CleanName()
	}
	assert.Equal(t, "TEMP", name("TEMP\x00\x00"))
	assert.Equal(t, "V_12", name("V-12"))
	assert.Equal(t, "unknown", name(""))
	assert.Equal(t, "unknown", name("\x00AB"))
	assert.Equal(t, "a_b__", name("a b$%"))
}

func TestFanModeNibbles(t *testing.T) {
	f := FanInfo{FanMode: 0x35}
	assert.Equal(t, uint8(3), f.AlarmType())
	assert.Equal(t, uint8(5), f.WorkMode())
}

func TestSlotForIPMB(t *testing.T) {
	tests := map[uint8]int{
		0x7c: 1, 0x7a: 2, 0x38: 3, 0x76: 4, 0x34: 5, 0x32: 6, 0x70: 7,
		0x6e: 8, 0x2c: 9, 0x2a: 10, 0x68: 11, 0x26: 12, 0x02: 13, 0x04: 14,
	}
	for addr, want := range tests {
		slot, ok := SlotForIPMB(addr)
		require.True(t, ok, "addr %#x", addr)
		assert.Equal(t, want, slot)
	}
	_, ok := SlotForIPMB(0xFF)
	assert.False(t, ok)
}

func TestHostIPForSlot(t *testing.T) {
	tests := []struct {
		box, slot int
		want      string
		known     bool
	}{
		{3, 3, "192.168.6.69", true},
		{3, 1, "192.168.6.5", true},
		{3, 7, "192.168.6.180", true},
		{3, 8, "192.168.7.5", true},
		{3, 12, "192.168.7.133", true},
		{1, 6, "192.168.2.170", true},
		{3, 13, "192.168.7.5", false},
		{3, 0, "192.168.6.5", false},
	}
	for _, tc := range tests {
		ip, known := HostIPForSlot(tc.box, tc.slot)
		assert.Equal(t, tc.want, ip, "box=%d slot=%d", tc.box, tc.slot)
		assert.Equal(t, tc.known, known, "box=%d slot=%d", tc.box, tc.slot)
	}
}

type captureSink struct {
	mu      sync.Mutex
	batches map[string][]tsdb.Row
}

func (c *captureSink) InsertRows(_ context.Context, family string, rows []tsdb.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batches == nil {
		c.batches = make(map[string][]tsdb.Row)
	}
	c.batches[family] = append(c.batches[family], rows...)
	return nil
}

type captureNodes struct {
	mu      sync.Mutex
	updates []registry.BMCUpdate
}

func (c *captureNodes) UpsertBMC(u registry.BMCUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

// Seed case: one populated board in slot 3 of box 3 yields exactly one
// sensor row with the derived host IP and reassembled value.
func TestFanOutSeedCase(t *testing.T) {
	p := validPacket()
	p.Boards[2].IPMBAddr = 0x38
	p.Boards[2].ModuleType = 0x1
	p.Boards[2].SensorNum = 1
	p.Boards[2].Sensors[0] = SensorInfo{Seq: 1, Type: 2, ValueLo: 0x2C, ValueHi: 0x00}
	copy(p.Boards[2].Sensors[0].Name[:], "TEMP\x00\x00")

	store := &captureSink{}
	nodes := &captureNodes{}
	ing := &Ingestor{store: store, nodes: nodes}
	ing.fanOut(&p)

	require.Len(t, store.batches[tsdb.FamilyBMCSensor.Name], 1)
	row := store.batches[tsdb.FamilyBMCSensor.Name][0]
	assert.Equal(t, map[string]string{
		"box_id":      "3",
		"slot_id":     "3",
		"sensor_seq":  "1",
		"sensor_name": "TEMP",
		"sensor_type": "2",
		"host_ip":     "192.168.6.69",
	}, row.Tags)
	assert.Equal(t, 44.0, row.Fields["sensor_value"])

	require.Len(t, nodes.updates, 1)
	assert.Equal(t, "192.168.6.69", nodes.updates[0].HostIP)
	assert.Equal(t, uint8(0x38), nodes.updates[0].IPMBAddress)

	// Both fans always report.
	assert.Len(t, store.batches[tsdb.FamilyBMCFan.Name], 2)
}

func TestFanOutSkipsEmptyAndUnknownBoards(t *testing.T) {
	p := validPacket()
	// Board 0: empty module.
	p.Boards[0].IPMBAddr = 0x7c
	p.Boards[0].ModuleType = 0
	// Board 1: unknown IPMB address.
	p.Boards[1].IPMBAddr = 0xEE
	p.Boards[1].ModuleType = 1
	p.Boards[1].SensorNum = 1

	store := &captureSink{}
	nodes := &captureNodes{}
	ing := &Ingestor{store: store, nodes: nodes}
	ing.fanOut(&p)

	assert.Empty(t, store.batches[tsdb.FamilyBMCSensor.Name])
	assert.Empty(t, nodes.updates)
}

func TestFanOutSharesOneTimestamp(t *testing.T) {
	p := validPacket()
	p.Boards[2].IPMBAddr = 0x38
	p.Boards[2].ModuleType = 1
	p.Boards[2].SensorNum = 2
	p.Boards[2].Sensors[0] = SensorInfo{Seq: 1}
	p.Boards[2].Sensors[1] = SensorInfo{Seq: 2}

	store := &captureSink{}
	ing := &Ingestor{store: store, nodes: &captureNodes{}}
	ing.fanOut(&p)

	rows := store.batches[tsdb.FamilyBMCSensor.Name]
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].TS, rows[1].TS)
	fans := store.batches[tsdb.FamilyBMCFan.Name]
	require.Len(t, fans, 2)
	assert.Equal(t, rows[0].TS, fans[0].TS)
}

func TestNewIngestorValidatesGroup(t *testing.T) {
	_, err := NewIngestor("10.0.0.1", 5715, &captureSink{}, &captureNodes{})
	require.Error(t, err)

	ing, err := NewIngestor("224.100.200.15", 5715, &captureSink{}, &captureNodes{})
	require.NoError(t, err)
	assert.NotNil(t, ing)
}
