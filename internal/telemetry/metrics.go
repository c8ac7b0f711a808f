package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/stats"
)

const namespace = "framecast"

// Metrics exposes server activity to Prometheus. It is fed from the event
// bus, so it needs no hooks in the send path.
type Metrics struct {
	registry *prometheus.Registry

	clients         prometheus.Gauge
	registrations   prometheus.Counter
	rejections      *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	sceneTransfer   prometheus.Histogram
	sceneEpoch      prometheus.Gauge
	bytesSent       *prometheus.CounterVec
	frames          prometheus.Counter
	compressedRatio prometheus.Gauge
	worstRTT        prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Registered viewers",
		}),
		registrations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Accepted viewer registrations",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Refused viewer registrations by reason",
		}, []string{"reason"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Viewer departures by reason",
		}, []string{"reason"}),
		sceneTransfer: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scene_transfer_seconds",
			Help:      "Time from scene setup acknowledgement to streaming",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		sceneEpoch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scene_epoch",
			Help:      "Current scene epoch",
		}),
		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Outbound bytes by traffic category",
		}, []string{"category"}),
		frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames encoded across all viewers",
		}),
		compressedRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compression_ratio",
			Help:      "Compressed over uncompressed frame bytes in the last window",
		}),
		worstRTT: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worst_rtt_seconds",
			Help:      "Highest viewer round-trip time in the last window",
		}),
	}
}

// Subscribe feeds the collectors from bus.
func (m *Metrics) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventClientRegistered, "metrics.registered", m.onRegistered)
	bus.Subscribe(events.EventClientDeregistered, "metrics.deregistered", m.onDeregistered)
	bus.Subscribe(events.EventClientRejected, "metrics.rejected", m.onRejected)
	bus.Subscribe(events.EventSceneTransferCompleted, "metrics.transfer", m.onTransfer)
	bus.Subscribe(events.EventEpochChanged, "metrics.epoch", m.onEpoch)
	bus.Subscribe(events.EventStatsWindow, "metrics.window", m.onStatsWindow)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) onRegistered(ctx context.Context, event events.Event) error {
	m.clients.Inc()
	m.registrations.Inc()
	return nil
}

func (m *Metrics) onDeregistered(ctx context.Context, event events.Event) error {
	m.clients.Dec()
	if p, ok := event.Payload.(events.ClientLeftPayload); ok {
		m.disconnects.WithLabelValues(p.Reason.String()).Inc()
	}
	return nil
}

func (m *Metrics) onRejected(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.ClientRejectedPayload); ok {
		m.rejections.WithLabelValues(p.Reason.String()).Inc()
	}
	return nil
}

func (m *Metrics) onTransfer(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.SceneTransferPayload); ok {
		m.sceneTransfer.Observe(p.Duration.Seconds())
	}
	return nil
}

func (m *Metrics) onEpoch(ctx context.Context, event events.Event) error {
	if p, ok := event.Payload.(events.EpochChangedPayload); ok {
		m.sceneEpoch.Set(float64(p.Epoch))
	}
	return nil
}

func (m *Metrics) onStatsWindow(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.StatsWindowPayload)
	if !ok {
		return nil
	}
	for _, cat := range stats.Categories() {
		if n := p.Total.BytesFor(cat); n > 0 {
			m.bytesSent.WithLabelValues(cat.String()).Add(float64(n))
		}
	}
	m.frames.Add(float64(p.Total.Frames))
	m.compressedRatio.Set(p.Total.Ratio())
	m.worstRTT.Set(p.Total.RTT.Seconds())
	return nil
}
