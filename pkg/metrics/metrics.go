// Package metrics 把trace事件转换为Prometheus指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yly97/coapdtls/pkg/trace"
)

const defaultNamespace = "coapdtls"

// Metrics 实现trace.Observer
type Metrics struct {
	Handshakes     *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	Downgrades     prometheus.Counter
	Requests       *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
}

var _ trace.Observer = (*Metrics)(nil)

// New 在reg上注册所有指标，reg为nil时使用默认的Registerer
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of DTLS handshakes by negotiated mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of established sessions",
			},
		),
		Downgrades: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_downgrades_total",
				Help:      "Sessions that continued as anonymous after client authentication failed",
			},
		),
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of CoAP requests by method and response code",
			},
			[]string{"method", "code"},
		),
		Dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_datagrams_total",
				Help:      "Datagrams dropped before reaching a resource",
			},
			[]string{"reason"},
		),
	}
}

func (m *Metrics) Observe(e trace.Event) {
	switch e.Kind {
	case trace.HandshakeSucceeded:
		m.Handshakes.WithLabelValues(e.Mode, "success").Inc()
		m.ActiveSessions.Inc()
	case trace.HandshakeFailed:
		m.Handshakes.WithLabelValues(e.Mode, "failure").Inc()
	case trace.AuthDowngraded:
		m.Downgrades.Inc()
	case trace.SessionClosed:
		m.ActiveSessions.Dec()
	case trace.DatagramDropped:
		m.Dropped.WithLabelValues(e.Reason).Inc()
	case trace.RequestHandled:
		m.Requests.WithLabelValues(e.Method, e.Code).Inc()
	}
}

// Handler 暴露g中的指标
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
