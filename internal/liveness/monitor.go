// Package liveness derives node online/offline status from heartbeat age
// and emits synthetic NodeOffline alarms, so downtime rides the same event
// path as user-defined rules.
package liveness

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
	"github.com/gridwatch/gridwatch/internal/rules"
)

const (
	// AlertName labels the synthetic alarm emitted on node downtime.
	AlertName = "NodeOffline"

	// DefaultThreshold is the heartbeat age beyond which a node is
	// considered offline. A heartbeat exactly this old still counts as
	// online.
	DefaultThreshold = 20 * time.Second

	scanInterval = time.Second
)

// NodeSource is the registry surface the monitor scans and updates.
type NodeSource interface {
	SnapshotAll() []models.NodeRecord
	UpdateStatus(hostIP string, status models.NodeStatus) bool
}

// EventPublisher accepts the synthesized alarm events.
type EventPublisher interface {
	Publish(event *models.AlarmEvent)
}

// Monitor scans the node registry once per second and flips node status on
// heartbeat timeout, emitting a firing event on online->offline and a
// resolved event on the way back.
type Monitor struct {
	nodes     NodeSource
	publisher EventPublisher
	threshold time.Duration
}

// NewMonitor builds a monitor; a non-positive threshold falls back to the
// default.
func NewMonitor(nodes NodeSource, publisher EventPublisher, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{nodes: nodes, publisher: publisher, threshold: threshold}
}

// Run scans until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("threshold", m.threshold).Msg("Liveness monitor started")
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Liveness monitor stopped")
			return
		case <-ticker.C:
			m.ScanOnce()
		}
	}
}

// ScanOnce evaluates every node once. Heartbeat age uses the monotonic
// clock carried by the recorded instants; event timestamps use wall time.
func (m *Monitor) ScanOnce() {
	now := time.Now()
	for _, node := range m.nodes.SnapshotAll() {
		expected := models.NodeOnline
		if now.Sub(node.LastHeartbeat) > m.threshold {
			expected = models.NodeOffline
		}
		if expected == node.Status {
			continue
		}
		if !m.nodes.UpdateStatus(node.HostIP, expected) {
			continue
		}

		labels := map[string]string{"alertname": AlertName, "host_ip": node.HostIP}
		event := &models.AlarmEvent{
			Fingerprint: rules.Fingerprint(AlertName, labels),
			Labels:      labels,
			Annotations: map[string]string{
				"summary": "node " + node.HostIP + " heartbeat " + statusWord(expected),
			},
			StartsAt: now,
		}
		if expected == models.NodeOffline {
			event.Status = models.StatusFiring
			log.Warn().Str("host_ip", node.HostIP).Time("last_heartbeat", node.LastHeartbeat).Msg("Node went offline")
		} else {
			ends := now
			event.Status = models.StatusResolved
			event.EndsAt = &ends
			log.Info().Str("host_ip", node.HostIP).Msg("Node back online")
		}
		m.publisher.Publish(event)
	}
}

func statusWord(s models.NodeStatus) string {
	if s == models.NodeOffline {
		return "lost"
	}
	return "recovered"
}
