package pixcache

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects cache observations. All fields are optional; a nil
// Metrics or a nil collector disables that observation.
type Metrics struct {
	MemoryHits   prometheus.Counter
	MemoryMisses prometheus.Counter
	DiskHits     prometheus.Counter
	DiskMisses   prometheus.Counter
	Writes       prometheus.Counter
	WriteErrors  prometheus.Counter
	Evictions    prometheus.Counter
}

// NewMetrics creates a Metrics with every collector registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MemoryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_memory_hits_total",
			Help: "Lookups served by the in-memory tier.",
		}),
		MemoryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_memory_misses_total",
			Help: "Lookups that fell through to the disk tier.",
		}),
		DiskHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_disk_hits_total",
			Help: "Lookups served by the disk tier.",
		}),
		DiskMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_disk_misses_total",
			Help: "Lookups missing from both tiers.",
		}),
		Writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_writes_total",
			Help: "Attempted cache writes.",
		}),
		WriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_write_errors_total",
			Help: "Cache writes that failed or were refused.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixcache_evictions_total",
			Help: "Entries removed from the disk tier by callers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.MemoryHits, m.MemoryMisses, m.DiskHits,
			m.DiskMisses, m.Writes, m.WriteErrors, m.Evictions)
	}
	return m
}

// incCounter must not receive a field selected off a nil receiver; the
// Observe helpers check m themselves before touching any field.
func (m *Metrics) incCounter(counter prometheus.Counter) {
	if counter == nil {
		return
	}
	counter.Inc()
}

func (m *Metrics) ObserveMemoryHit() {
	if m == nil {
		return
	}
	m.incCounter(m.MemoryHits)
}

func (m *Metrics) ObserveMemoryMiss() {
	if m == nil {
		return
	}
	m.incCounter(m.MemoryMisses)
}

func (m *Metrics) ObserveDiskHit() {
	if m == nil {
		return
	}
	m.incCounter(m.DiskHits)
}

func (m *Metrics) ObserveDiskMiss() {
	if m == nil {
		return
	}
	m.incCounter(m.DiskMisses)
}

func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.incCounter(m.Evictions)
}

func (m *Metrics) ObserveWrite(err error) {
	if m == nil {
		return
	}
	m.incCounter(m.Writes)
	if err != nil {
		m.incCounter(m.WriteErrors)
	}
}
