package execution

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/birdayz/kstorm/kwait"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	metricsNamespace = "kstorm"
	metricsSubsystem = "executor"
)

// Metrics holds the executor collectors shared by all runs of a cluster.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	processed  *prometheus.CounterVec
	emitted    *prometheus.CounterVec
	failed     *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	emptyPolls *prometheus.CounterVec
	waitLevel  *prometheus.GaugeVec
	queueDepth *prometheus.GaugeVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the executor collectors. A nil registerer selects a fresh
// prometheus.Registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	component := []string{"topology", "component"}
	task := []string{"topology", "component", "task"}
	return &Metrics{
		registerer: registerer,
		processed:  newCounterVec("records_processed_total", "Records taken from an input queue and handed to a stage", component),
		emitted:    newCounterVec("records_emitted_total", "Records emitted by sources and stages", component),
		failed:     newCounterVec("records_failed_total", "Process or Next calls that returned an error or panicked", component),
		dropped:    newCounterVec("records_dropped_total", "Records dropped before reaching a stage", []string{"topology", "component", "reason"}),
		emptyPolls: newCounterVec("empty_polls_total", "Loop iterations that found no work", component),
		waitLevel:  newGaugeVec("wait_level", "Current wait strategy level (0 normal to 3)", task),
		queueDepth: newGaugeVec("queue_depth", "Records queued for a stage instance", task),
	}
}

// Register registers the collectors. Safe to call multiple times. Collectors
// already registered by another Metrics on the same registerer are shared.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	if err := multierr.Combine(
		adopt(m.registerer, &m.processed),
		adopt(m.registerer, &m.emitted),
		adopt(m.registerer, &m.failed),
		adopt(m.registerer, &m.dropped),
		adopt(m.registerer, &m.emptyPolls),
		adopt(m.registerer, &m.waitLevel),
		adopt(m.registerer, &m.queueDepth),
	); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// adopt registers *c. If an equal collector is already registered, *c is
// replaced by it so that instruments write to the gathered one.
func adopt[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return fmt.Errorf("execution: metric already registered as %T", are.ExistingCollector)
	}
	*c = existing
	return nil
}

// instrument is the set of collectors bound to one instance.
type instrument struct {
	processed  prometheus.Counter
	emitted    prometheus.Counter
	failed     prometheus.Counter
	emptyPolls prometheus.Counter
	waitLevel  prometheus.Gauge
	queueDepth prometheus.Gauge

	dropped *prometheus.CounterVec
	labels  []string

	lastLevel kwait.Level
}

func (m *Metrics) instrument(topology, component string, task int) *instrument {
	t := strconv.Itoa(task)
	return &instrument{
		processed:  m.processed.WithLabelValues(topology, component),
		emitted:    m.emitted.WithLabelValues(topology, component),
		failed:     m.failed.WithLabelValues(topology, component),
		emptyPolls: m.emptyPolls.WithLabelValues(topology, component),
		waitLevel:  m.waitLevel.WithLabelValues(topology, component, t),
		queueDepth: m.queueDepth.WithLabelValues(topology, component, t),
		dropped:    m.dropped,
		labels:     []string{topology, component},
	}
}

func (i *instrument) drop(reason string, n int) {
	if n <= 0 {
		return
	}
	i.dropped.WithLabelValues(i.labels[0], i.labels[1], reason).Add(float64(n))
}

func (i *instrument) level(l kwait.Level) {
	if l == i.lastLevel {
		return
	}
	i.lastLevel = l
	i.waitLevel.Set(float64(l))
}
