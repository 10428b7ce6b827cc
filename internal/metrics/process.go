package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

// ProcessCollector exports CPU and memory usage of supervised children. It
// reads /proc at scrape time, so idle apps cost nothing between scrapes.
type ProcessCollector struct {
	pids func() map[string]int
	fs   procfs.FS

	cpu   *prometheus.Desc
	rss   *prometheus.Desc
	start *prometheus.Desc
}

// NewProcessCollector returns a collector over the PIDs returned by pids,
// keyed by app name. It fails where /proc is not mounted.
func NewProcessCollector(pids func() map[string]int) (*ProcessCollector, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcessCollector{
		pids: pids,
		fs:   fs,
		cpu: prometheus.NewDesc(namespace+"_app_cpu_seconds_total",
			"User and system CPU time of the app's main process",
			[]string{"app"}, nil),
		rss: prometheus.NewDesc(namespace+"_app_resident_memory_bytes",
			"Resident memory of the app's main process",
			[]string{"app"}, nil),
		start: prometheus.NewDesc(namespace+"_app_start_time_seconds",
			"Start time of the app's main process since the Unix epoch",
			[]string{"app"}, nil),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.start
}

// Collect implements prometheus.Collector. Processes that exit between
// listing and reading are skipped.
func (c *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	for app, pid := range c.pids() {
		proc, err := c.fs.Proc(pid)
		if err != nil {
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			continue
		}

		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.CounterValue, stat.CPUTime(), app)
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(stat.ResidentMemory()), app)
		if started, err := stat.StartTime(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.start, prometheus.GaugeValue, started, app)
		}
	}
}
