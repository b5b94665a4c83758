package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderoom",
		Name:      "active_connections",
		Help:      "Currently open client connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "coderoom",
		Name:      "active_rooms",
		Help:      "Rooms with at least one member.",
	})

	CodeChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coderoom",
		Name:      "code_changes_total",
		Help:      "Accepted code_change messages.",
	})

	SolutionsFound = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coderoom",
		Name:      "solutions_found_total",
		Help:      "Times a room buffer first matched its solution.",
	})

	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "coderoom",
		Name:      "dropped_sends_total",
		Help:      "Broadcast frames dropped because a member was unreachable.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
