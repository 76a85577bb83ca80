// Package registry keeps the authoritative in-memory map of known nodes,
// keyed by host IP. Heartbeats and BMC packets both land here; the liveness
// monitor derives node status from the recorded heartbeat instants.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridwatch/gridwatch/internal/models"
)

// Registry is a thread-safe host_ip -> NodeRecord map.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*models.NodeRecord
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*models.NodeRecord)}
}

// UpsertHeartbeat records a node-identity heartbeat: identity fields are
// replaced and the heartbeat instant refreshed. New nodes start online.
func (r *Registry) UpsertHeartbeat(info models.BoxInfo) {
	if info.HostIP == "" {
		log.Warn().Msg("Heartbeat without host_ip dropped")
		return
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[info.HostIP]
	if !ok {
		node = &models.NodeRecord{HostIP: info.HostIP, Status: models.NodeOnline}
		r.nodes[info.HostIP] = node
		log.Info().Str("host_ip", info.HostIP).Str("hostname", info.Hostname).Msg("Node registered via heartbeat")
	}
	node.BoxID = info.BoxID
	node.SlotID = info.SlotID
	node.CPUID = info.CPUID
	node.SrioID = info.SrioID
	node.Hostname = info.Hostname
	node.ServicePort = info.ServicePort
	node.BoardType = info.BoardType
	node.CPUType = info.CPUType
	if len(info.GPUs) > 0 {
		node.GPUs = append([]models.GPUInfo(nil), info.GPUs...)
	}
	node.LastHeartbeat = now
}

// BMCUpdate is the per-board projection of a BMC packet applied to a node.
type BMCUpdate struct {
	HostIP      string
	BoxID       int
	SlotID      int
	IPMBAddress uint8
	ModuleType  uint16
	BMCCompany  uint16
	BMCVersion  string
}

// UpsertBMC applies one board's BMC fields and refreshes the heartbeat.
// Nodes first seen through the chassis are created here.
func (r *Registry) UpsertBMC(update BMCUpdate) {
	if update.HostIP == "" {
		return
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[update.HostIP]
	if !ok {
		node = &models.NodeRecord{HostIP: update.HostIP, Status: models.NodeOnline}
		r.nodes[update.HostIP] = node
		log.Info().Str("host_ip", update.HostIP).Int("box_id", update.BoxID).Int("slot_id", update.SlotID).Msg("Node registered via BMC")
	}
	node.BoxID = update.BoxID
	node.SlotID = update.SlotID
	node.IPMBAddress = update.IPMBAddress
	node.ModuleType = update.ModuleType
	node.BMCCompany = update.BMCCompany
	node.BMCVersion = update.BMCVersion
	node.LastHeartbeat = now
}

// Get returns a copy of one node record.
func (r *Registry) Get(hostIP string) (*models.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[hostIP]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// SnapshotAll returns copies of every node record.
func (r *Registry) SnapshotAll() []models.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.NodeRecord, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node.Clone())
	}
	return out
}

// SnapshotActive returns only nodes whose heartbeat falls within window.
func (r *Registry) SnapshotActive(window time.Duration) []models.NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.NodeRecord, 0, len(r.nodes))
	for _, node := range r.nodes {
		if time.Since(node.LastHeartbeat) <= window {
			out = append(out, *node.Clone())
		}
	}
	return out
}

// UpdateStatus records the derived liveness of a node. Reports whether the
// node exists.
func (r *Registry) UpdateStatus(hostIP string, status models.NodeStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[hostIP]
	if !ok {
		return false
	}
	node.Status = status
	return true
}

// Len returns the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}
