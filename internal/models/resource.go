package models

import "time"

// ResourceSnapshot is the OS-level telemetry payload of POST /resource.
// Every section is optional; absent sections are simply not stored.
type ResourceSnapshot struct {
	CPU        *CPUSample        `json:"cpu,omitempty"`
	Memory     *MemorySample     `json:"memory,omitempty"`
	Disks      []DiskSample      `json:"disk,omitempty"`
	Networks   []NetworkSample   `json:"network,omitempty"`
	GPUs       []GPUSample       `json:"gpu,omitempty"`
	Containers []ContainerSample `json:"container,omitempty"`
	Sensors    []SensorSample    `json:"sensor,omitempty"`
}

// CPUSample covers the whole host; one row per snapshot.
type CPUSample struct {
	UsagePercent  float64 `json:"usage_percent"`
	LoadAvg1m     float64 `json:"load_avg_1m"`
	LoadAvg5m     float64 `json:"load_avg_5m"`
	LoadAvg15m    float64 `json:"load_avg_15m"`
	CoreCount     float64 `json:"core_count"`
	CoreAllocated float64 `json:"core_allocated"`
	Temperature   float64 `json:"temperature"`
	Voltage       float64 `json:"voltage"`
	Current       float64 `json:"current"`
	Power         float64 `json:"power"`
}

type MemorySample struct {
	Total        float64 `json:"total"`
	Used         float64 `json:"used"`
	Free         float64 `json:"free"`
	UsagePercent float64 `json:"usage_percent"`
}

type DiskSample struct {
	Device       string  `json:"device"`
	MountPoint   string  `json:"mount_point"`
	Total        float64 `json:"total"`
	Used         float64 `json:"used"`
	Free         float64 `json:"free"`
	UsagePercent float64 `json:"usage_percent"`
}

type NetworkSample struct {
	Interface string  `json:"interface"`
	RxBytes   float64 `json:"rx_bytes"`
	TxBytes   float64 `json:"tx_bytes"`
	RxPackets float64 `json:"rx_packets"`
	TxPackets float64 `json:"tx_packets"`
	RxErrors  float64 `json:"rx_errors"`
	TxErrors  float64 `json:"tx_errors"`
	RxRate    float64 `json:"rx_rate"`
	TxRate    float64 `json:"tx_rate"`
}

type GPUSample struct {
	Index        int     `json:"gpu_index"`
	Name         string  `json:"gpu_name"`
	ComputeUsage float64 `json:"compute_usage"`
	MemUsage     float64 `json:"mem_usage"`
	MemUsed      float64 `json:"mem_used"`
	MemTotal     float64 `json:"mem_total"`
	Temperature  float64 `json:"temperature"`
	Power        float64 `json:"power"`
}

type ContainerSample struct {
	ContainerID string  `json:"container_id"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemUsed     float64 `json:"mem_used"`
	MemLimit    float64 `json:"mem_limit"`
	MemPercent  float64 `json:"mem_percent"`
}

type SensorSample struct {
	Name  string  `json:"sensor_name"`
	Type  string  `json:"sensor_type"`
	Value float64 `json:"value"`
}

// FamilyRow is one time-series row returned by a range or latest query.
// Tags carry the row's full tag set so multi-entity families (disk, network,
// gpu) can be grouped by the caller.
type FamilyRow struct {
	TS     time.Time          `json:"ts"`
	Tags   map[string]string  `json:"tags"`
	Fields map[string]float64 `json:"fields"`
}

// NodeResourceSample is the most recent row of each family for one host.
// HasData distinguishes "no rows yet" from an all-zero sample.
type NodeResourceSample struct {
	HostIP string `json:"host_ip"`

	CPU        *FamilyRow  `json:"cpu,omitempty"`
	Memory     *FamilyRow  `json:"memory,omitempty"`
	Disks      []FamilyRow `json:"disk,omitempty"`
	Networks   []FamilyRow `json:"network,omitempty"`
	GPUs       []FamilyRow `json:"gpu,omitempty"`
	Containers []FamilyRow `json:"container,omitempty"`
	Sensors    []FamilyRow `json:"sensor,omitempty"`

	HasData bool `json:"has_data"`
}
