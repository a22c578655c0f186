package sysmetrics

import (
	"sort"

	dto "github.com/prometheus/client_model/go"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// cpuModes is the fixed field order for per-mode CPU time. Matching the
// node exporter's mode label values.
var cpuModes = []string{"user", "system", "idle", "iowait", "nice", "irq", "softirq", "steal"}

// collectCPU maps node_cpu_seconds_total and friends onto the system_cpu and
// system_cpu_cores measurements. Per-mode fields hold cumulative seconds as
// exposed by the kernel, not percentages.
func collectCPU(mfs map[string]*dto.MetricFamily, hostname string) []*pluginapi.LineBuilder {
	perCore := map[string]map[string]float64{}
	totals := map[string]float64{}
	if mf := mfs["node_cpu_seconds_total"]; mf != nil {
		for _, m := range mf.GetMetric() {
			core := labelValue(m, "cpu")
			mode := labelValue(m, "mode")
			v := metricValue(m)
			if perCore[core] == nil {
				perCore[core] = map[string]float64{}
			}
			perCore[core][mode] += v
			totals[mode] += v
		}
	}

	total := pluginapi.NewLine("system_cpu").
		Tag("host", hostname).
		Tag("cpu", "total")
	for _, mode := range cpuModes {
		total.FloatField(mode, totals[mode])
	}
	total.FloatField("load1", sumFamily(mfs["node_load1"])).
		FloatField("load5", sumFamily(mfs["node_load5"])).
		FloatField("load15", sumFamily(mfs["node_load15"])).
		IntField("ctx_switches", int64(sumFamily(mfs["node_context_switches_total"]))).
		IntField("interrupts", int64(sumFamily(mfs["node_intr_total"])))
	lines := []*pluginapi.LineBuilder{total}

	freq := byLabel(mfs["node_cpu_scaling_frequency_hertz"], "cpu")
	cores := make([]string, 0, len(perCore))
	for core := range perCore {
		cores = append(cores, core)
	}
	sort.Strings(cores)
	for _, core := range cores {
		line := pluginapi.NewLine("system_cpu_cores").
			Tag("host", hostname).
			Tag("core", core)
		for _, mode := range cpuModes {
			line.FloatField(mode, perCore[core][mode])
		}
		if hz, ok := freq[core]; ok {
			line.FloatField("frequency_current", hz)
		}
		lines = append(lines, line)
	}
	return lines
}

// collectMemory maps node_memory_* gauges onto the system_memory and
// system_swap measurements.
func collectMemory(mfs map[string]*dto.MetricFamily, hostname string) []*pluginapi.LineBuilder {
	g := func(name string) int64 { return int64(sumFamily(mfs[name])) }

	total := g("node_memory_MemTotal_bytes")
	available := g("node_memory_MemAvailable_bytes")
	used := total - available
	var percent float64
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}
	mem := pluginapi.NewLine("system_memory").
		Tag("host", hostname).
		IntField("total", total).
		IntField("available", available).
		IntField("used", used).
		IntField("free", g("node_memory_MemFree_bytes")).
		IntField("active", g("node_memory_Active_bytes")).
		IntField("inactive", g("node_memory_Inactive_bytes")).
		IntField("buffers", g("node_memory_Buffers_bytes")).
		IntField("cached", g("node_memory_Cached_bytes")).
		IntField("shared", g("node_memory_Shmem_bytes")).
		IntField("slab", g("node_memory_Slab_bytes")).
		FloatField("percent", percent)

	swapTotal := g("node_memory_SwapTotal_bytes")
	swapFree := g("node_memory_SwapFree_bytes")
	swapUsed := swapTotal - swapFree
	var swapPercent float64
	if swapTotal > 0 {
		swapPercent = float64(swapUsed) / float64(swapTotal) * 100
	}
	swap := pluginapi.NewLine("system_swap").
		Tag("host", hostname).
		IntField("total", swapTotal).
		IntField("used", swapUsed).
		IntField("free", swapFree).
		FloatField("percent", swapPercent).
		IntField("sin", g("node_vmstat_pswpin")).
		IntField("sout", g("node_vmstat_pswpout"))

	return []*pluginapi.LineBuilder{mem, swap}
}

// collectDisk maps node_filesystem_* and node_disk_* families onto the
// system_disk_usage and system_disk_io measurements.
func collectDisk(mfs map[string]*dto.MetricFamily, hostname string) []*pluginapi.LineBuilder {
	var lines []*pluginapi.LineBuilder

	fsKey := func(m *dto.Metric) string {
		return labelValue(m, "device") + "|" + labelValue(m, "mountpoint")
	}
	avail := map[string]float64{}
	if mf := mfs["node_filesystem_avail_bytes"]; mf != nil {
		for _, m := range mf.GetMetric() {
			avail[fsKey(m)] = metricValue(m)
		}
	}
	if mf := mfs["node_filesystem_size_bytes"]; mf != nil {
		metrics := append([]*dto.Metric(nil), mf.GetMetric()...)
		sort.Slice(metrics, func(i, j int) bool { return fsKey(metrics[i]) < fsKey(metrics[j]) })
		for _, m := range metrics {
			size := metricValue(m)
			free := avail[fsKey(m)]
			used := size - free
			var percent float64
			if size > 0 {
				percent = used / size * 100
			}
			lines = append(lines, pluginapi.NewLine("system_disk_usage").
				Tag("host", hostname).
				Tag("device", labelValue(m, "device")).
				Tag("mountpoint", labelValue(m, "mountpoint")).
				Tag("fstype", labelValue(m, "fstype")).
				IntField("total", int64(size)).
				IntField("used", int64(used)).
				IntField("free", int64(free)).
				FloatField("percent", percent))
		}
	}

	reads := byLabel(mfs["node_disk_reads_completed_total"], "device")
	writes := byLabel(mfs["node_disk_writes_completed_total"], "device")
	readBytes := byLabel(mfs["node_disk_read_bytes_total"], "device")
	writeBytes := byLabel(mfs["node_disk_written_bytes_total"], "device")
	readTime := byLabel(mfs["node_disk_read_time_seconds_total"], "device")
	writeTime := byLabel(mfs["node_disk_write_time_seconds_total"], "device")
	busyTime := byLabel(mfs["node_disk_io_time_seconds_total"], "device")
	readsMerged := byLabel(mfs["node_disk_reads_merged_total"], "device")
	writesMerged := byLabel(mfs["node_disk_writes_merged_total"], "device")

	devices := make([]string, 0, len(reads))
	for device := range reads {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	for _, device := range devices {
		lines = append(lines, pluginapi.NewLine("system_disk_io").
			Tag("host", hostname).
			Tag("device", device).
			IntField("reads", int64(reads[device])).
			IntField("writes", int64(writes[device])).
			IntField("read_bytes", int64(readBytes[device])).
			IntField("write_bytes", int64(writeBytes[device])).
			IntField("read_time", int64(readTime[device]*1000)).
			IntField("write_time", int64(writeTime[device]*1000)).
			IntField("busy_time", int64(busyTime[device]*1000)).
			IntField("read_merged_count", int64(readsMerged[device])).
			IntField("write_merged_count", int64(writesMerged[device])))
	}
	return lines
}

// collectNetwork maps node_network_* counters onto the system_network
// measurement, one line per interface.
func collectNetwork(mfs map[string]*dto.MetricFamily, hostname string) []*pluginapi.LineBuilder {
	bytesRecv := byLabel(mfs["node_network_receive_bytes_total"], "device")
	bytesSent := byLabel(mfs["node_network_transmit_bytes_total"], "device")
	packetsRecv := byLabel(mfs["node_network_receive_packets_total"], "device")
	packetsSent := byLabel(mfs["node_network_transmit_packets_total"], "device")
	errIn := byLabel(mfs["node_network_receive_errs_total"], "device")
	errOut := byLabel(mfs["node_network_transmit_errs_total"], "device")
	dropIn := byLabel(mfs["node_network_receive_drop_total"], "device")
	dropOut := byLabel(mfs["node_network_transmit_drop_total"], "device")

	interfaces := make([]string, 0, len(bytesRecv))
	for iface := range bytesRecv {
		interfaces = append(interfaces, iface)
	}
	sort.Strings(interfaces)

	var lines []*pluginapi.LineBuilder
	for _, iface := range interfaces {
		lines = append(lines, pluginapi.NewLine("system_network").
			Tag("host", hostname).
			Tag("interface", iface).
			IntField("bytes_sent", int64(bytesSent[iface])).
			IntField("bytes_recv", int64(bytesRecv[iface])).
			IntField("packets_sent", int64(packetsSent[iface])).
			IntField("packets_recv", int64(packetsRecv[iface])).
			IntField("errin", int64(errIn[iface])).
			IntField("errout", int64(errOut[iface])).
			IntField("dropin", int64(dropIn[iface])).
			IntField("dropout", int64(dropOut[iface])))
	}
	return lines
}
