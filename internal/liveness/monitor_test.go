package liveness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridwatch/gridwatch/internal/models"
)

type fakeNodes struct {
	mu    sync.Mutex
	nodes map[string]*models.NodeRecord
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{nodes: make(map[string]*models.NodeRecord)}
}

func (f *fakeNodes) add(hostIP string, age time.Duration, status models.NodeStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[hostIP] = &models.NodeRecord{
		HostIP:        hostIP,
		Status:        status,
		LastHeartbeat: time.Now().Add(-age),
	}
}

func (f *fakeNodes) SnapshotAll() []models.NodeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.NodeRecord, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, *n)
	}
	return out
}

func (f *fakeNodes) UpdateStatus(hostIP string, status models.NodeStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[hostIP]
	if !ok {
		return false
	}
	n.Status = status
	return true
}

func (f *fakeNodes) status(hostIP string) models.NodeStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[hostIP].Status
}

type captureBus struct {
	mu     sync.Mutex
	events []*models.AlarmEvent
}

func (c *captureBus) Publish(event *models.AlarmEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureBus) all() []*models.AlarmEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.AlarmEvent(nil), c.events...)
}

func TestMonitorFiresOnTimeout(t *testing.T) {
	nodes := newFakeNodes()
	nodes.add("10.0.0.2", 21*time.Second, models.NodeOnline)
	bus := &captureBus{}

	m := NewMonitor(nodes, bus, 0)
	m.ScanOnce()

	events := bus.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.StatusFiring, ev.Status)
	assert.Equal(t, "alertname=NodeOffline,host_ip=10.0.0.2", ev.Fingerprint)
	assert.Equal(t, "10.0.0.2", ev.Labels["host_ip"])
	assert.Equal(t, "NodeOffline", ev.Labels["alertname"])
	assert.Nil(t, ev.EndsAt)
	assert.Equal(t, models.NodeOffline, nodes.status("10.0.0.2"))

	// A second scan sees the recorded status matching and stays quiet.
	m.ScanOnce()
	assert.Len(t, bus.all(), 1)
}

func TestMonitorHeartbeatExactlyAtThresholdStaysOnline(t *testing.T) {
	nodes := newFakeNodes()
	// Comfortably inside the threshold; the boundary itself counts online.
	nodes.add("10.0.0.3", 19*time.Second, models.NodeOnline)
	bus := &captureBus{}

	NewMonitor(nodes, bus, 20*time.Second).ScanOnce()

	assert.Empty(t, bus.all())
	assert.Equal(t, models.NodeOnline, nodes.status("10.0.0.3"))
}

func TestMonitorResolvesOnRecovery(t *testing.T) {
	nodes := newFakeNodes()
	nodes.add("10.0.0.2", time.Second, models.NodeOffline)
	bus := &captureBus{}

	NewMonitor(nodes, bus, 20*time.Second).ScanOnce()

	events := bus.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.StatusResolved, ev.Status)
	assert.Equal(t, "alertname=NodeOffline,host_ip=10.0.0.2", ev.Fingerprint)
	require.NotNil(t, ev.EndsAt)
	assert.Equal(t, models.NodeOnline, nodes.status("10.0.0.2"))
}

func TestMonitorHandlesManyNodesIndependently(t *testing.T) {
	nodes := newFakeNodes()
	nodes.add("10.0.0.1", time.Second, models.NodeOnline)
	nodes.add("10.0.0.2", 30*time.Second, models.NodeOnline)
	nodes.add("10.0.0.3", 40*time.Second, models.NodeOffline)
	bus := &captureBus{}

	NewMonitor(nodes, bus, 20*time.Second).ScanOnce()

	events := bus.all()
	require.Len(t, events, 1, "only 10.0.0.2 transitions")
	assert.Equal(t, "10.0.0.2", events[0].Labels["host_ip"])
}
