package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yly97/coapdtls/pkg/trace"
)

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.Observe(trace.Event{Kind: trace.HandshakeSucceeded, Mode: "PSK"})
	m.Observe(trace.Event{Kind: trace.HandshakeSucceeded, Mode: "X509"})
	m.Observe(trace.Event{Kind: trace.HandshakeFailed})
	m.Observe(trace.Event{Kind: trace.SessionClosed})
	m.Observe(trace.Event{Kind: trace.AuthDowngraded})
	m.Observe(trace.Event{Kind: trace.RequestHandled, Method: "GET", Code: "Content"})
	m.Observe(trace.Event{Kind: trace.DatagramDropped, Reason: trace.ReasonMalformed})
	m.Observe(trace.Event{Kind: trace.DatagramDropped, Reason: trace.ReasonMalformed})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handshakes.WithLabelValues("PSK", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handshakes.WithLabelValues("", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downgrades))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("GET", "Content")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues(trace.ReasonMalformed)))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")
	m.Observe(trace.Event{Kind: trace.RequestHandled, Method: "PUT", Code: "Created"})

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_requests_total{code="Created",method="PUT"} 1`)
}
