package tsdb

// Field is one numeric column of a metric family.
type Field struct {
	Name    string
	SQLType string
}

// Family describes one metric super-table: its tag keys and field schema.
// A single descriptor drives the generic create, insert, and query paths for
// every family.
type Family struct {
	Name    string
	TagKeys []string
	Fields  []Field
}

func doubles(names ...string) []Field {
	fields := make([]Field, len(names))
	for i, n := range names {
		fields[i] = Field{Name: n, SQLType: "DOUBLE"}
	}
	return fields
}

// Resource families are tagged at minimum by host_ip; multi-entity families
// add their device identity tags.
var (
	FamilyCPU = Family{
		Name:    "cpu",
		TagKeys: []string{"host_ip"},
		Fields: doubles("usage_percent", "load_avg_1m", "load_avg_5m", "load_avg_15m",
			"core_count", "core_allocated", "temperature", "voltage", "current", "power"),
	}
	FamilyMemory = Family{
		Name:    "memory",
		TagKeys: []string{"host_ip"},
		Fields:  doubles("total", "used", "free", "usage_percent"),
	}
	FamilyDisk = Family{
		Name:    "disk",
		TagKeys: []string{"host_ip", "device", "mount_point"},
		Fields:  doubles("total", "used", "free", "usage_percent"),
	}
	FamilyNetwork = Family{
		Name:    "network",
		TagKeys: []string{"host_ip", "interface"},
		Fields: doubles("rx_bytes", "tx_bytes", "rx_packets", "tx_packets",
			"rx_errors", "tx_errors", "rx_rate", "tx_rate"),
	}
	FamilyGPU = Family{
		Name:    "gpu",
		TagKeys: []string{"host_ip", "gpu_index", "gpu_name"},
		Fields:  doubles("compute_usage", "mem_usage", "mem_used", "mem_total", "temperature", "power"),
	}
	FamilyContainer = Family{
		Name:    "container",
		TagKeys: []string{"host_ip", "container_id", "container_name"},
		Fields:  doubles("cpu_percent", "mem_used", "mem_limit", "mem_percent"),
	}
	FamilySensor = Family{
		Name:    "sensor",
		TagKeys: []string{"host_ip", "sensor_name", "sensor_type"},
		Fields:  doubles("value"),
	}

	// BMC families carry chassis identity tags; rows arrive from the
	// multicast ingestor with one server timestamp per packet.
	FamilyBMCFan = Family{
		Name:    "bmc_fan_super",
		TagKeys: []string{"box_id", "fan_seq"},
		Fields:  doubles("speed", "work_mode", "alarm_type"),
	}
	FamilyBMCSensor = Family{
		Name:    "bmc_sensor_super",
		TagKeys: []string{"box_id", "slot_id", "sensor_seq", "sensor_name", "sensor_type", "host_ip"},
		Fields:  doubles("sensor_value", "alarm_type"),
	}
)

// Families lists every super-table managed by the store.
var Families = []Family{
	FamilyCPU, FamilyMemory, FamilyDisk, FamilyNetwork, FamilyGPU,
	FamilyContainer, FamilySensor, FamilyBMCFan, FamilyBMCSensor,
}

// ResourceFamilyNames are the families addressable through the
// historical-metrics query surface.
var ResourceFamilyNames = []string{"cpu", "memory", "disk", "network", "gpu", "container", "sensor"}

// BMCFamilyNames maps the short names of the historical-bmc surface to the
// underlying super-tables.
var BMCFamilyNames = map[string]string{
	"fan":    FamilyBMCFan.Name,
	"sensor": FamilyBMCSensor.Name,
}

// BMCShortNames lists the short names accepted by the historical-bmc
// surface.
var BMCShortNames = []string{"fan", "sensor"}

var familiesByName = func() map[string]Family {
	m := make(map[string]Family, len(Families))
	for _, f := range Families {
		m[f.Name] = f
	}
	return m
}()

// FamilyByName looks up a family descriptor.
func FamilyByName(name string) (Family, bool) {
	f, ok := familiesByName[name]
	return f, ok
}

func (f Family) isTag(key string) bool {
	for _, t := range f.TagKeys {
		if t == key {
			return true
		}
	}
	return false
}
