package metrics

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the default registry, which holds the app metrics and the
// Go runtime collectors, merged with extra. The extra collectors live in a
// private registry so building a second handler never double-registers.
// Failing collectors are logged and the rest of the scrape is still served.
func Handler(logger *slog.Logger, extra ...prometheus.Collector) (http.Handler, error) {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if len(extra) > 0 {
		reg := prometheus.NewRegistry()
		for _, c := range extra {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register collector: %w", err)
			}
		}
		gatherers = append(gatherers, reg)
	}

	h := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorLog:      scrapeLog{logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
	return promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer, h), nil
}

type scrapeLog struct{ logger *slog.Logger }

func (l scrapeLog) Println(v ...any) {
	l.logger.Warn("Metrics scrape error", "error", fmt.Sprint(v...))
}
