package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/gridwatch/internal/models"
)

func TestUpsertHeartbeat(t *testing.T) {
	r := New()
	r.UpsertHeartbeat(models.BoxInfo{
		HostIP:      "10.0.0.1",
		BoxID:       1,
		SlotID:      3,
		Hostname:    "node-1",
		ServicePort: 8080,
		GPUs:        []models.GPUInfo{{Index: 0, Name: "A100"}},
	})

	node, ok := r.Get("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "node-1", node.Hostname)
	assert.Equal(t, 3, node.SlotID)
	assert.Equal(t, models.NodeOnline, node.Status)
	assert.Len(t, node.GPUs, 1)
	assert.WithinDuration(t, time.Now(), node.LastHeartbeat, time.Second)
}

func TestUpsertHeartbeatWithoutHostIPDropped(t *testing.T) {
	r := New()
	r.UpsertHeartbeat(models.BoxInfo{Hostname: "ghost"})
	assert.Equal(t, 0, r.Len())
}

func TestUpsertBMCCreatesNode(t *testing.T) {
	r := New()
	r.UpsertBMC(BMCUpdate{
		HostIP:      "192.168.6.69",
		BoxID:       3,
		SlotID:      3,
		IPMBAddress: 0x38,
		ModuleType:  1,
		BMCCompany:  0x1234,
		BMCVersion:  "1.0.0",
	})

	node, ok := r.Get("192.168.6.69")
	require.True(t, ok)
	assert.Equal(t, uint8(0x38), node.IPMBAddress)
	assert.Equal(t, uint16(1), node.ModuleType)
	assert.Equal(t, 3, node.BoxID)
}

func TestBMCUpdatePreservesHeartbeatIdentity(t *testing.T) {
	r := New()
	r.UpsertHeartbeat(models.BoxInfo{HostIP: "10.0.0.1", Hostname: "node-1", ServicePort: 9000})
	r.UpsertBMC(BMCUpdate{HostIP: "10.0.0.1", ModuleType: 2})

	node, ok := r.Get("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "node-1", node.Hostname, "heartbeat identity survives BMC update")
	assert.Equal(t, uint16(2), node.ModuleType)
}

func TestSnapshotActiveWindow(t *testing.T) {
	r := New()
	r.UpsertHeartbeat(models.BoxInfo{HostIP: "10.0.0.1"})
	r.UpsertHeartbeat(models.BoxInfo{HostIP: "10.0.0.2"})

	// Age one node artificially.
	r.mu.Lock()
	r.nodes["10.0.0.2"].LastHeartbeat = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	active := r.SnapshotActive(30 * time.Second)
	require.Len(t, active, 1)
	assert.Equal(t, "10.0.0.1", active[0].HostIP)

	all := r.SnapshotAll()
	assert.Len(t, all, 2)
}

func TestUpdateStatus(t *testing.T) {
	r := New()
	assert.False(t, r.UpdateStatus("10.0.0.1", models.NodeOffline))

	r.UpsertHeartbeat(models.BoxInfo{HostIP: "10.0.0.1"})
	assert.True(t, r.UpdateStatus("10.0.0.1", models.NodeOffline))

	node, _ := r.Get("10.0.0.1")
	assert.Equal(t, models.NodeOffline, node.Status)
}

func TestGetReturnsCopy(t *testing.T) {
	r := New()
	r.UpsertHeartbeat(models.BoxInfo{HostIP: "10.0.0.1", GPUs: []models.GPUInfo{{Index: 0}}})

	node, _ := r.Get("10.0.0.1")
	node.Hostname = "mutated"
	node.GPUs[0].Index = 99

	fresh, _ := r.Get("10.0.0.1")
	assert.Empty(t, fresh.Hostname)
	assert.Equal(t, 0, fresh.GPUs[0].Index)
}
