package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquiredCounter tracks granted tile locks.
	AcquiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mural_lock_acquired_total",
		Help: "Total number of tile locks granted",
	})
	// ConflictCounter tracks acquire attempts rejected because another
	// holder was live.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mural_lock_conflict_total",
		Help: "Total number of lock acquisitions rejected with a conflict",
	})
	// ReleasedCounter tracks tile lock releases by reason.
	ReleasedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mural_lock_released_total",
		Help: "Total number of tile lock releases",
	}, []string{"reason"})
	// PublishedCounter tracks broadcast events by kind.
	PublishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mural_events_published_total",
		Help: "Total number of events published to rooms",
	}, []string{"kind"})
	// EvictedCounter tracks subscribers disconnected on queue overflow.
	EvictedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mural_subscriber_evicted_total",
		Help: "Total number of slow subscribers evicted from rooms",
	})
	// StoreErrorCounter tracks TileStore save failures.
	StoreErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mural_store_error_total",
		Help: "Total number of tile store failures during commits",
	})
	// RoomGauge reports rooms with at least one member.
	RoomGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mural_rooms",
		Help: "Current number of rooms with members",
	})
	// MemberGauge reports connected members across all rooms.
	MemberGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mural_members",
		Help: "Current number of room memberships",
	})
	// LockGauge reports currently live tile locks.
	LockGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mural_locks_live",
		Help: "Current number of live tile locks",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers mural core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquiredCounter,
		ConflictCounter,
		ReleasedCounter,
		PublishedCounter,
		EvictedCounter,
		StoreErrorCounter,
		RoomGauge,
		MemberGauge,
		LockGauge,
	)
}
