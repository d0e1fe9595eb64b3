// Package metrics exposes pool, transaction and memory collectors on the
// default prometheus registry.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// pool events
const (
	PoolReused   = "reused"
	PoolDiscard  = "discarded"
	PoolReleased = "released"
	PoolRejected = "rejected"
	PoolDialed   = "dialed"
	PoolEvicted  = "evicted"
)

var (
	registerOnce sync.Once

	poolEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastduplex",
			Subsystem: "pool",
			Name:      "events_total",
			Help:      "Connection pool events.",
		},
		[]string{"event"},
	)
	poolIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fastduplex",
			Subsystem: "pool",
			Name:      "idle_conns",
			Help:      "Idle connections waiting in the pool.",
		},
	)
	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fastduplex",
			Subsystem: "transaction",
			Name:      "total",
			Help:      "Finished transactions.",
		},
		[]string{"role", "outcome"},
	)
	transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fastduplex",
			Subsystem: "transaction",
			Name:      "duration_seconds",
			Help:      "Transaction duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "outcome"},
	)
	retainedCurrent = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fastduplex",
			Subsystem: "memory",
			Name:      "retained_inbound_bytes",
			Help:      "Inbound body bytes currently retained by server transactions.",
		},
		func() float64 { return float64(RetainedInbound.Current()) },
	)
	retainedHigh = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fastduplex",
			Subsystem: "memory",
			Name:      "retained_inbound_bytes_high",
			Help:      "High water mark of retained inbound body bytes.",
		},
		func() float64 { return float64(RetainedInbound.High()) },
	)
)

// RegisterMetrics registers every collector once
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(poolEvents, poolIdle, transactions, transactionDuration,
			retainedCurrent, retainedHigh)
	})
}

// RecordPoolEvent counts one pool event
func RecordPoolEvent(event string) {
	RegisterMetrics()
	poolEvents.WithLabelValues(event).Inc()
}

// AddPoolIdle moves the idle gauge by delta
func AddPoolIdle(delta int) {
	RegisterMetrics()
	poolIdle.Add(float64(delta))
}

// RecordTransaction counts a finished transaction and its duration
func RecordTransaction(role, outcome string, duration time.Duration) {
	RegisterMetrics()
	transactions.WithLabelValues(role, outcome).Inc()
	transactionDuration.WithLabelValues(role, outcome).Observe(duration.Seconds())
}

// Memory a byte gauge remembering its highest and lowest values
type Memory struct {
	current atomic.Int64
	high    atomic.Int64
	low     atomic.Int64
}

// RetainedInbound bytes held by server transactions for replay
var RetainedInbound Memory

// Add moves the gauge by delta and updates the water marks
func (m *Memory) Add(delta int64) int64 {
	cur := m.current.Add(delta)
	for {
		h := m.high.Load()
		if cur <= h || m.high.CompareAndSwap(h, cur) {
			break
		}
	}
	for {
		l := m.low.Load()
		if cur >= l || m.low.CompareAndSwap(l, cur) {
			break
		}
	}
	return cur
}

// Current value
func (m *Memory) Current() int64 { return m.current.Load() }

// High highest value since the last reset
func (m *Memory) High() int64 { return m.high.Load() }

// Low lowest value since the last reset
func (m *Memory) Low() int64 { return m.low.Load() }

// ResetMarks starts new water marks from the current value
func (m *Memory) ResetMarks() {
	cur := m.current.Load()
	m.high.Store(cur)
	m.low.Store(cur)
}
