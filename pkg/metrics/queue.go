package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics tracks per-lane broker activity.
type QueueMetrics struct {
	depth     *prometheus.GaugeVec
	consumers *prometheus.GaugeVec
	consumed  *prometheus.CounterVec
	acked     *prometheus.CounterVec
	nacked    *prometheus.CounterVec
	published *prometheus.CounterVec
}

// NewQueueMetrics registers the queue metrics on the provided registerer.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	if reg == nil {
		return &QueueMetrics{}
	}
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Messages currently resident in a lane.",
	}, []string{"lane"})
	consumers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_consumers",
		Help: "Active consumers attached to a lane.",
	}, []string{"lane"})
	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_consumed_total",
		Help: "Messages delivered to handlers per lane.",
	}, []string{"lane"})
	acked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_acked_total",
		Help: "Messages acknowledged per lane.",
	}, []string{"lane"})
	nacked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_nacked_total",
		Help: "Messages negatively acknowledged (requeued) per lane.",
	}, []string{"lane"})
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_messages_published_total",
		Help: "Messages published per lane.",
	}, []string{"lane"})
	reg.MustRegister(depth, consumers, consumed, acked, nacked, published)
	return &QueueMetrics{
		depth:     depth,
		consumers: consumers,
		consumed:  consumed,
		acked:     acked,
		nacked:    nacked,
		published: published,
	}
}

// SetDepth records the observed message count for the lane.
func (q *QueueMetrics) SetDepth(lane string, messages, consumers int) {
	if q == nil || q.depth == nil {
		return
	}
	q.depth.WithLabelValues(normalizeLabel(lane)).Set(float64(messages))
	q.consumers.WithLabelValues(normalizeLabel(lane)).Set(float64(consumers))
}

// IncConsumed increments the delivery counter for the lane.
func (q *QueueMetrics) IncConsumed(lane string) {
	if q == nil || q.consumed == nil {
		return
	}
	q.consumed.WithLabelValues(normalizeLabel(lane)).Inc()
}

// IncAcked increments the ack counter for the lane.
func (q *QueueMetrics) IncAcked(lane string) {
	if q == nil || q.acked == nil {
		return
	}
	q.acked.WithLabelValues(normalizeLabel(lane)).Inc()
}

// IncNacked increments the nack counter for the lane.
func (q *QueueMetrics) IncNacked(lane string) {
	if q == nil || q.nacked == nil {
		return
	}
	q.nacked.WithLabelValues(normalizeLabel(lane)).Inc()
}

// IncPublished increments the publish counter for the lane.
func (q *QueueMetrics) IncPublished(lane string) {
	if q == nil || q.published == nil {
		return
	}
	q.published.WithLabelValues(normalizeLabel(lane)).Inc()
}
