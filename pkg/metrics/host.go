package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostCollector reports the gateway host's CPU and memory on every scrape.
// Frame extraction is the gateway's heaviest work, so these are the
// numbers to watch when uploads start timing out.
type HostCollector struct {
	cpuPercent *prometheus.Desc
	memUsed    *prometheus.Desc
	memAvail   *prometheus.Desc
}

// NewHostCollector creates an unregistered host collector
func NewHostCollector() *HostCollector {
	return &HostCollector{
		cpuPercent: prometheus.NewDesc(namespace+"_host_cpu_usage_percent",
			"Host CPU utilisation since the previous scrape", nil, nil),
		memUsed: prometheus.NewDesc(namespace+"_host_memory_used_bytes",
			"Host memory in use", nil, nil),
		memAvail: prometheus.NewDesc(namespace+"_host_memory_available_bytes",
			"Host memory available to new processes", nil, nil),
	}
}

func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuPercent
	ch <- c.memUsed
	ch <- c.memAvail
}

func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	// interval 0 compares against the previous call and does not block
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(vm.Used))
		ch <- prometheus.MustNewConstMetric(c.memAvail, prometheus.GaugeValue, float64(vm.Available))
	}
}

// MemoryAvailable returns the host's available memory in bytes, or 0 when
// it cannot be read
func MemoryAvailable() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}
