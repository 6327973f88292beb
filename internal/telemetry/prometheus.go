package telemetry

import "github.com/prometheus/client_golang/prometheus"

const relayNamespace string = "assist_relay"

var (
	promActiveStreams prometheus.Gauge
	promActiveRooms   prometheus.Gauge
	promAutoCreated   prometheus.Counter

	PairingResolutions *prometheus.CounterVec
	ApprovalOutcomes   *prometheus.CounterVec
	SignalsRelayed     *prometheus.CounterVec
	BridgedBytes       *prometheus.CounterVec
)

func init() {
	promActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: "bridge",
		Name:      "active_streams",
		Help:      "Legacy stream sockets currently bound to a session.",
	})

	promActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: "hub",
		Name:      "active_rooms",
		Help:      "Sessions with at least one joined endpoint.",
	})

	promAutoCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: "bridge",
		Name:      "sessions_auto_created_total",
		Help:      "Sessions created for unmapped legacy sockets.",
	})

	PairingResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: "pairing",
			Name:      "resolutions_total",
			Help:      "Legacy socket resolutions by outcome.",
		},
		[]string{"method"},
	)

	ApprovalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: "approval",
			Name:      "outcomes_total",
		},
		[]string{"outcome"},
	)

	SignalsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: "hub",
			Name:      "signals_relayed_total",
		},
		[]string{"type"},
	)

	BridgedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Subsystem: "bridge",
			Name:      "bytes_total",
		},
		[]string{"direction"},
	)

	prometheus.MustRegister(promActiveStreams)
	prometheus.MustRegister(promActiveRooms)
	prometheus.MustRegister(promAutoCreated)
	prometheus.MustRegister(PairingResolutions)
	prometheus.MustRegister(ApprovalOutcomes)
	prometheus.MustRegister(SignalsRelayed)
	prometheus.MustRegister(BridgedBytes)
}

func StreamBound() {
	promActiveStreams.Inc()
}

func StreamUnbound() {
	promActiveStreams.Dec()
}

func RoomOpened() {
	promActiveRooms.Inc()
}

func RoomClosed() {
	promActiveRooms.Dec()
}

func SessionAutoCreated() {
	promAutoCreated.Inc()
}
