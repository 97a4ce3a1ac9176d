package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chat",
		Name:      "online_identities",
		Help:      "Identities holding an open connection.",
	})

	Connections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "connections_total",
		Help:      "Connection lifecycle events by outcome.",
	}, []string{"event"}) // opened|superseded|closed|rejected

	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "frames_in_total",
		Help:      "Inbound frames by type; unknown and malformed frames are counted as such.",
	}, []string{"type"})

	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped by reason.",
	}, []string{"reason"}) // backpressure|rate_limited|unknown_type|malformed

	RelayOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chat",
		Name:      "relay_outcomes_total",
		Help:      "Relayed chat messages by final delivery status.",
	}, []string{"status"})
)

var registerOnce sync.Once

// Register adds the chat collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(OnlineIdentities, Connections, FramesIn, FramesDropped, RelayOutcomes)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
