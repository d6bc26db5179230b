package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthChecker_AllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "alpha",
		CheckFunc: func(ctx context.Context) error { return nil },
		Critical:  true,
	})
	hc.RegisterCheck(&HealthCheck{
		Name:      "beta",
		CheckFunc: func(ctx context.Context) error { return nil },
	})

	resp := hc.Check(context.Background())

	if resp.Status != HealthStatusHealthy {
		t.Errorf("status = %v, want %v", resp.Status, HealthStatusHealthy)
	}
	if len(resp.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(resp.Checks))
	}
	if resp.Checks["alpha"].Message != "OK" {
		t.Errorf("alpha message = %q, want OK", resp.Checks["alpha"].Message)
	}
}

func TestHealthChecker_CriticalFailure(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "graph_store",
		CheckFunc: func(ctx context.Context) error { return errors.New("connection refused") },
		Critical:  true,
	})
	hc.RegisterCheck(&HealthCheck{
		Name:      "session_backend",
		CheckFunc: func(ctx context.Context) error { return nil },
		Critical:  true,
	})

	resp := hc.Check(context.Background())

	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("status = %v, want %v", resp.Status, HealthStatusUnhealthy)
	}
	if resp.Checks["graph_store"].Status != HealthStatusUnhealthy {
		t.Errorf("graph_store status = %v, want unhealthy", resp.Checks["graph_store"].Status)
	}
	if !strings.Contains(resp.Checks["graph_store"].Message, "connection refused") {
		t.Errorf("graph_store message = %q, want failure reason", resp.Checks["graph_store"].Message)
	}
	if resp.Checks["session_backend"].Status != HealthStatusHealthy {
		t.Errorf("session_backend status = %v, want healthy", resp.Checks["session_backend"].Status)
	}
}

func TestHealthChecker_NonCriticalFailureDegrades(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "cache",
		CheckFunc: func(ctx context.Context) error { return errors.New("cold") },
		Critical:  false,
	})

	resp := hc.Check(context.Background())

	if resp.Status != HealthStatusDegraded {
		t.Errorf("status = %v, want %v", resp.Status, HealthStatusDegraded)
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Timeout:  20 * time.Millisecond,
		Critical: true,
	})

	start := time.Now()
	resp := hc.Check(context.Background())

	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("status = %v, want unhealthy", resp.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("check took %v, timeout not enforced", elapsed)
	}
}

func TestHealthHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "graph_store",
		CheckFunc: func(ctx context.Context) error { return nil },
		Critical:  true,
	})

	rec := httptest.NewRecorder()
	hc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Status != HealthStatusHealthy {
		t.Errorf("body status = %v, want healthy", resp.Status)
	}

	hc.RegisterCheck(&HealthCheck{
		Name:      "graph_store",
		CheckFunc: func(ctx context.Context) error { return errors.New("down") },
		Critical:  true,
	})
	rec = httptest.NewRecorder()
	hc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
}

func TestReadinessHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "cache",
		CheckFunc: func(ctx context.Context) error { return errors.New("cold") },
		Critical:  false,
	})

	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	// Degraded is not ready.
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("body = %q, want alive", rec.Body.String())
	}
}

func TestServerRoutes(t *testing.T) {
	InitMetrics()
	RecordEpisodeCommit("academic_research", "committed", 1200*time.Millisecond)
	RecordWorkerOutput("academic_research", "succeeded")
	SetActiveSessions(2)

	checker := NewHealthChecker()
	checker.RegisterCheck(GraphStoreCheck(func(ctx context.Context) error { return nil }))
	checker.RegisterCheck(SessionBackendCheck(func(ctx context.Context) error { return nil }))

	srv := httptest.NewServer(NewServer(":0", checker).Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", resp.StatusCode)
	}

	rec := httptest.NewRecorder()
	NewServer(":0", checker).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, metric := range []string{
		"epigraph_episodes_committed_total",
		"epigraph_research_worker_outputs_total",
		"epigraph_sessions_active",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

func TestStoreChecks(t *testing.T) {
	graph := GraphStoreCheck(func(ctx context.Context) error { return nil })
	if graph.Name != "graph_store" || !graph.Critical {
		t.Errorf("graph check = %+v, want critical graph_store", graph)
	}

	session := SessionBackendCheck(func(ctx context.Context) error { return nil })
	if session.Name != "session_backend" || !session.Critical {
		t.Errorf("session check = %+v, want critical session_backend", session)
	}
}
