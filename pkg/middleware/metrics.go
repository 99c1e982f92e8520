package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsInFlight prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	ResponseSize     prometheus.Histogram
}

func NewMetrics(subsystem string) *Metrics {
	return &Metrics{
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "swarm",
				Subsystem: subsystem,
				Name:      "requests_in_flight",
				Help:      "Number of requests currently handled by this server.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total requests.",
			},
			[]string{"status", "method"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "swarm",
				Subsystem: subsystem,
				Name:      "request_latency_seconds",
				Help:      "Request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status", "method"},
		),
		ResponseSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "swarm",
				Subsystem: subsystem,
				Name:      "response_size_bytes",
				Help:      "Response size",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
			},
		),
	}
}

func (m *Metrics) Register(registry prometheus.Registerer) {
	registry.MustRegister(
		m.RequestsInFlight,
		m.RequestsTotal,
		m.RequestLatency,
		m.ResponseSize,
	)
}

func (m *Metrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		start := time.Now()

		// Process request.
		c.Next()

		labels := prometheus.Labels{
			"status": strconv.Itoa(c.Writer.Status()),
			"method": c.Request.Method,
		}
		m.RequestsTotal.With(labels).Inc()
		m.RequestLatency.With(labels).Observe(time.Since(start).Seconds())

		// Size is -1 if nothing was written.
		if size := c.Writer.Size(); size >= 0 {
			m.ResponseSize.Observe(float64(size))
		} else {
			m.ResponseSize.Observe(0)
		}
	}
}

