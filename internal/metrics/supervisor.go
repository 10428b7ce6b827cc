// Package metrics provides Prometheus metrics for supervised apps.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "warden"

var (
	appLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "app",
		Name:      "launches_total",
		Help:      "Child processes launched or re-attached",
	}, []string{"app", "attached"})

	appExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "app",
		Name:      "exits_total",
		Help:      "Unexpected child exits by class (crashed or errored)",
	}, []string{"app", "class"})

	appRestartCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "app",
		Name:      "restart_count",
		Help:      "Restarts consumed from the restart budget",
	}, []string{"app"})

	appStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "app",
		Name:      "status",
		Help:      "1 for the current status of an app, 0 otherwise",
	}, []string{"app", "status"})

	appBudgetExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "app",
		Name:      "budget_exhausted_total",
		Help:      "Times an app entered errored after using its restart budget",
	}, []string{"app"})

	persistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dump",
		Name:      "failures_total",
		Help:      "Dump saves or loads that failed after all retries",
	})

	// Local cache for API access.
	appCache   = make(map[string]*AppCounters)
	appCacheMu sync.RWMutex
)

// AppCounters holds running totals for one app since warden started.
type AppCounters struct {
	Launches int    `json:"launches"`
	Crashes  int    `json:"crashes"`
	Exits    int    `json:"exits"`
	Status   string `json:"status"`
}

// RecordLaunch counts a launched or re-attached child.
func RecordLaunch(app string, attached bool) {
	label := "false"
	if attached {
		label = "true"
	}
	appLaunches.WithLabelValues(app, label).Inc()
	updateCache(app, func(c *AppCounters) { c.Launches++ })
}

// RecordExit counts an unexpected exit with its class.
func RecordExit(app, class string) {
	appExits.WithLabelValues(app, class).Inc()
	updateCache(app, func(c *AppCounters) {
		c.Exits++
		if class == "crashed" {
			c.Crashes++
		}
	})
}

// SetStatus moves the app's status gauge from one status to another.
func SetStatus(app, from, to string) {
	if from != "" && from != to {
		appStatus.WithLabelValues(app, from).Set(0)
	}
	appStatus.WithLabelValues(app, to).Set(1)
	updateCache(app, func(c *AppCounters) { c.Status = to })
}

// SetRestartCount sets the restarts consumed from the budget.
func SetRestartCount(app string, count int) {
	appRestartCount.WithLabelValues(app).Set(float64(count))
}

// RecordBudgetExhausted counts an app giving up after its restart budget.
func RecordBudgetExhausted(app string) {
	appBudgetExhausted.WithLabelValues(app).Inc()
}

// RecordPersistenceFailure counts a failed dump save or load.
func RecordPersistenceFailure() {
	persistenceFailures.Inc()
}

// DeleteAppMetrics removes all metrics for an app.
func DeleteAppMetrics(app string) {
	labels := prometheus.Labels{"app": app}
	appLaunches.DeletePartialMatch(labels)
	appExits.DeletePartialMatch(labels)
	appStatus.DeletePartialMatch(labels)
	appRestartCount.DeleteLabelValues(app)
	appBudgetExhausted.DeleteLabelValues(app)

	appCacheMu.Lock()
	delete(appCache, app)
	appCacheMu.Unlock()
}

// GetAppCounters returns the current totals for an app, or nil.
func GetAppCounters(app string) *AppCounters {
	appCacheMu.RLock()
	defer appCacheMu.RUnlock()
	if c, ok := appCache[app]; ok {
		dup := *c
		return &dup
	}
	return nil
}

func updateCache(app string, update func(*AppCounters)) {
	appCacheMu.Lock()
	defer appCacheMu.Unlock()
	c, ok := appCache[app]
	if !ok {
		c = &AppCounters{}
		appCache[app] = c
	}
	update(c)
}
