package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareWithDisabledTelemetry(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "none"

	tel, cleanup, _ := Init(nil, cfg)
	defer cleanup()

	middleware := HTTPMiddleware(tel, "test")

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check that tracer is noop
		span := trace.SpanFromContext(r.Context())
		if span.IsRecording() {
			t.Error("expected noop span when telemetry disabled")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestMiddlewareWithEnabledTelemetry(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.TracesEnabled = true
	cfg.SampleRate = 1

	tel, cleanup, _ := Init(nil, cfg)
	defer cleanup()

	middleware := HTTPMiddleware(tel, "test")

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check that span is recording
		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			t.Error("expected recording span when telemetry enabled")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestMiddlewareDropsUnsampledRequests(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.TracesEnabled = true
	cfg.SampleRate = 0

	tel, cleanup, _ := Init(nil, cfg)
	defer cleanup()

	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if trace.SpanFromContext(r.Context()).IsRecording() {
			t.Error("expected no recording span at sample rate 0")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestMiddlewareCapturesStatusCode(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"
	cfg.TracesEnabled = true
	cfg.SampleRate = 1

	tel, cleanup, _ := Init(nil, cfg)
	defer cleanup()

	middleware := HTTPMiddleware(tel, "test")

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/notfound", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestMiddlewarePassesHijack(t *testing.T) {
	tel, _, _ := Init(nil, NewConfig())

	hijackable := make(chan bool, 1)
	handler := HTTPMiddleware(tel, "test")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Hijacker)
		hijackable <- ok
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/relay/v1/websocket", nil))
	if !<-hijackable {
		t.Error("expected wrapped writer to implement http.Hijacker")
	}
}
