package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradeflow/config"
	"tradeflow/internal/execution"
	"tradeflow/internal/stream"
	"tradeflow/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":               "0.0.0.0:8080",
		":9090":          "0.0.0.0:9090",
		"127.0.0.1:9090": "127.0.0.1:9090",
		"localhost":      "localhost:8080",
		"*:9090":         "0.0.0.0:9090",
	}
	for in, want := range cases {
		if got := normalizeAddress(in); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledDashboardIsNil(t *testing.T) {
	s := NewServer(config.DashboardConfig{Enabled: false}, logger.GetLogger(), Sources{})
	if s != nil {
		t.Fatalf("disabled dashboard returned a server")
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("nil server Run returned error: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(config.DashboardConfig{Enabled: true}, logger.GetLogger(), Sources{
		Status: func() stream.Status {
			return stream.Status{Connected: true, Reconnects: 3}
		},
		Orders: func() []execution.OrderContext { return nil },
	})

	router, err := s.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}

	var got stream.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Connected || got.Reconnects != 3 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestLogsEndpointServesRing(t *testing.T) {
	log := logger.Logger()
	s := NewServer(config.DashboardConfig{Enabled: true, LogHistory: 3}, log, Sources{})

	for i := 0; i < 5; i++ {
		log.WithComponent("test").Info("entry")
	}

	router, err := s.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}

	var payload struct {
		Logs []json.RawMessage `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Logs) != 3 {
		t.Fatalf("ring held %d entries, want 3", len(payload.Logs))
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(config.DashboardConfig{Enabled: true}, logger.GetLogger(), Sources{})
	router, err := s.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
}
