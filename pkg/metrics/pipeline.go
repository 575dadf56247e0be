package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers the ingest-to-remediation path: outbox relay
// throughput, incident detection, and action execution outcomes.
type PipelineMetrics struct {
	eventsPublished  *prometheus.CounterVec
	eventsFailed     *prometheus.CounterVec
	publishLatency   *prometheus.HistogramVec
	incidentsOpened  *prometheus.CounterVec
	actionsFinished  *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	guardRejections  *prometheus.CounterVec
}

// NewPipelineMetrics registers pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox events delivered to the event bus.",
	}, []string{"event_type"})
	eventsFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_failed_total",
		Help: "Outbox events that exhausted their retry budget.",
	}, []string{"event_type"})
	publishLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outbox_publish_latency_seconds",
		Help:    "Time between event creation and successful publication.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"event_type"})
	incidentsOpened := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "incidents_opened_total",
		Help: "Incidents created by the detection rules.",
	}, []string{"rule", "severity"})
	actionsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actions_finished_total",
		Help: "Remediation actions by terminal status.",
	}, []string{"action_type", "status"})
	actionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "action_duration_seconds",
		Help:    "Wall clock duration of remediation calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action_type"})
	guardRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guard_rejections_total",
		Help: "Actions rejected by the safety guard.",
	}, []string{"rule"})
	reg.MustRegister(
		eventsPublished,
		eventsFailed,
		publishLatency,
		incidentsOpened,
		actionsFinished,
		actionDuration,
		guardRejections,
	)
	return &PipelineMetrics{
		eventsPublished: eventsPublished,
		eventsFailed:    eventsFailed,
		publishLatency:  publishLatency,
		incidentsOpened: incidentsOpened,
		actionsFinished: actionsFinished,
		actionDuration:  actionDuration,
		guardRejections: guardRejections,
	}
}

// IncEventPublished records a successful delivery for the event type.
func (p *PipelineMetrics) IncEventPublished(eventType string) {
	if p == nil || p.eventsPublished == nil {
		return
	}
	p.eventsPublished.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// IncEventFailed records a terminally failed outbox event.
func (p *PipelineMetrics) IncEventFailed(eventType string) {
	if p == nil || p.eventsFailed == nil {
		return
	}
	p.eventsFailed.WithLabelValues(normalizeLabel(eventType)).Inc()
}

// ObservePublishLatency records end-to-end relay latency for the event type.
func (p *PipelineMetrics) ObservePublishLatency(eventType string, latency time.Duration) {
	if p == nil || p.publishLatency == nil {
		return
	}
	p.publishLatency.WithLabelValues(normalizeLabel(eventType)).Observe(latency.Seconds())
}

// IncIncidentOpened records a detected incident.
func (p *PipelineMetrics) IncIncidentOpened(rule, severity string) {
	if p == nil || p.incidentsOpened == nil {
		return
	}
	p.incidentsOpened.WithLabelValues(normalizeLabel(rule), normalizeLabel(severity)).Inc()
}

// IncActionFinished records a terminal action status.
func (p *PipelineMetrics) IncActionFinished(actionType, status string) {
	if p == nil || p.actionsFinished == nil {
		return
	}
	p.actionsFinished.WithLabelValues(normalizeLabel(actionType), normalizeLabel(status)).Inc()
}

// ObserveActionDuration records how long the remediation call took.
func (p *PipelineMetrics) ObserveActionDuration(actionType string, duration time.Duration) {
	if p == nil || p.actionDuration == nil {
		return
	}
	p.actionDuration.WithLabelValues(normalizeLabel(actionType)).Observe(duration.Seconds())
}

// IncGuardRejection records which rule blocked an action.
func (p *PipelineMetrics) IncGuardRejection(rule string) {
	if p == nil || p.guardRejections == nil {
		return
	}
	p.guardRejections.WithLabelValues(normalizeLabel(rule)).Inc()
}
