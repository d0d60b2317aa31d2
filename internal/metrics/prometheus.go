package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "interview_rtc_events_total"
	gaugesMetric = "interview_rtc_gauge"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes all counters as one metric with an event label
// and all gauges as one metric with a name label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counters := m.Snapshot()
		_, _ = fmt.Fprintf(w, "# HELP %s Event counters.\n# TYPE %s counter\n", eventsMetric, eventsMetric)
		for _, k := range sortedKeys(counters) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, labelEscaper.Replace(k), counters[k])
		}

		gauges := m.gaugeSnapshot()
		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintf(w, "# HELP %s Current values.\n# TYPE %s gauge\n", gaugesMetric, gaugesMetric)
		for _, k := range sortedKeys(gauges) {
			_, _ = fmt.Fprintf(w, "%s{name=\"%s\"} %d\n", gaugesMetric, labelEscaper.Replace(k), gauges[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
