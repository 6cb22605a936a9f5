package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of live call orchestrators.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// MediaStatsProvider exposes aggregate media bridge statistics.
type MediaStatsProvider interface {
	ChannelCount() int
	DroppedFrames() uint64
}

// DetectorStatsProvider exposes detector intake statistics.
type DetectorStatsProvider interface {
	Overflow() uint64
}

// Collector is a prometheus.Collector that gathers engine state at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls     ActiveCallsProvider
	media     MediaStatsProvider
	detector  DetectorStatsProvider
	startTime time.Time

	activeCallsDesc      *prometheus.Desc
	mediaChannelsDesc    *prometheus.Desc
	droppedFramesDesc    *prometheus.Desc
	detectorOverflowDesc *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a scrape-time collector over the given providers.
func NewCollector(calls ActiveCallsProvider, media MediaStatsProvider, detector DetectorStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		media:     media,
		detector:  detector,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"carecall_active_calls",
			"Number of live call orchestrators",
			nil, nil,
		),
		mediaChannelsDesc: prometheus.NewDesc(
			"carecall_media_channels",
			"Number of live media bridge channels",
			nil, nil,
		),
		droppedFramesDesc: prometheus.NewDesc(
			"carecall_media_frames_dropped_total",
			"Outbound audio frames dropped across live channels",
			nil, nil,
		),
		detectorOverflowDesc: prometheus.NewDesc(
			"carecall_detector_overflow_total",
			"Utterances dropped because the detector queue was full",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"carecall_uptime_seconds",
			"Seconds since the engine process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.mediaChannelsDesc
	ch <- c.droppedFramesDesc
	ch <- c.detectorOverflowDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ActiveCallCount()),
		)
	}

	if c.media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mediaChannelsDesc, prometheus.GaugeValue,
			float64(c.media.ChannelCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.droppedFramesDesc, prometheus.CounterValue,
			float64(c.media.DroppedFrames()),
		)
	}

	if c.detector != nil {
		ch <- prometheus.MustNewConstMetric(
			c.detectorOverflowDesc, prometheus.CounterValue,
			float64(c.detector.Overflow()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Counters are the event-driven metrics incremented by the engine as
// things happen, as opposed to the scrape-time Collector gauges.
type Counters struct {
	AlertsDispatched     *prometheus.CounterVec // by severity
	NotificationResults  *prometheus.CounterVec // by transport, outcome
	CriticalNoRecipients prometheus.Counter
	BillingRollups       *prometheus.CounterVec // by outcome
}

// NewCounters creates and registers the event counters.
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		AlertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecall_alerts_dispatched_total",
			Help: "Alerts handed to the notification fan-out, by severity",
		}, []string{"severity"}),
		NotificationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecall_notification_results_total",
			Help: "Per-recipient notification outcomes, by transport and outcome",
		}, []string{"transport", "outcome"}),
		CriticalNoRecipients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carecall_critical_alerts_without_recipients_total",
			Help: "CRITICAL alerts that found no verified recipient on any transport",
		}),
		BillingRollups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecall_billing_rollups_total",
			Help: "Daily billing rollup runs, by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.AlertsDispatched, c.NotificationResults, c.CriticalNoRecipients, c.BillingRollups)
	return c
}
