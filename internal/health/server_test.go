package health_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"relaykit/internal/health"
	"relaykit/internal/transport/inmem"
)

func TestHealthzEndpoint(t *testing.T) {
	tr := inmem.New(zap.NewNop())
	app := health.NewServer(zap.NewNop(), health.TransportChecker{Transport: tr})

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}

	var body struct {
		Status string                   `json:"status"`
		Checks map[string]health.Report `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != string(health.StatusHealthy) {
		t.Errorf("status = %q", body.Status)
	}
	if _, ok := body.Checks["transport"]; !ok {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestHealthzReturns503WhenUnhealthy(t *testing.T) {
	tr := inmem.New(zap.NewNop())
	tr.StopAcceptingMessages()
	app := health.NewServer(zap.NewNop(), health.TransportChecker{Transport: tr})

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, expected 503", resp.StatusCode)
	}
}

func TestMetricsEndpointServes(t *testing.T) {
	app := health.NewServer(zap.NewNop())
	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, expected 200", resp.StatusCode)
	}
}
