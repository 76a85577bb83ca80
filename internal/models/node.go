package models

import "time"

// NodeStatus is the derived liveness of a node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// GPUInfo describes one GPU reported in a node heartbeat.
type GPUInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	UUID  string `json:"uuid,omitempty"`
}

// BoxInfo is the identity payload of a node heartbeat (POST /heartbeat).
type BoxInfo struct {
	HostIP      string    `json:"host_ip"`
	BoxID       int       `json:"box_id"`
	SlotID      int       `json:"slot_id"`
	CPUID       int       `json:"cpu_id"`
	SrioID      int       `json:"srio_id"`
	Hostname    string    `json:"hostname"`
	ServicePort int       `json:"service_port"`
	BoardType   string    `json:"board_type,omitempty"`
	CPUType     string    `json:"cpu_type,omitempty"`
	GPUs        []GPUInfo `json:"gpu,omitempty"`
}

// NodeRecord is the registry entry for one node, keyed by HostIP.
// LastHeartbeat carries Go's monotonic clock reading and must only be
// compared with time.Since; the JSON form exposes wall-clock time.
type NodeRecord struct {
	HostIP      string    `json:"host_ip"`
	BoxID       int       `json:"box_id"`
	SlotID      int       `json:"slot_id"`
	CPUID       int       `json:"cpu_id"`
	SrioID      int       `json:"srio_id"`
	Hostname    string    `json:"hostname"`
	ServicePort int       `json:"service_port"`
	BoardType   string    `json:"board_type,omitempty"`
	CPUType     string    `json:"cpu_type,omitempty"`
	GPUs        []GPUInfo `json:"gpu,omitempty"`

	// BMC-derived fields, filled by the multicast ingestor.
	IPMBAddress uint8  `json:"ipmb_address,omitempty"`
	ModuleType  uint16 `json:"module_type,omitempty"`
	BMCCompany  uint16 `json:"bmc_company,omitempty"`
	BMCVersion  string `json:"bmc_version,omitempty"`

	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Status        NodeStatus `json:"status"`
}

// Clone returns a copy that does not share the GPU slice.
func (n *NodeRecord) Clone() *NodeRecord {
	if n == nil {
		return nil
	}
	clone := *n
	if len(n.GPUs) > 0 {
		clone.GPUs = append([]GPUInfo(nil), n.GPUs...)
	}
	return &clone
}
