package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trustwire/trustwire/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing.
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "text",
		ConsumerTimeout:  5 * time.Second,
		DLQSweepInterval: time.Minute,
		ClusterEvalDelay: 0, // synchronous evaluation in tests
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/livez", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/readyz", "")

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/healthz",
		"GET:/livez",
		"GET:/readyz",
		"GET:/metrics",
		"POST:/v1/events",
		"GET:/v1/dlq",
		"POST:/v1/dlq/retry",
		"GET:/v1/alerts",
		"POST:/v1/alerts/:id/resolve",
		"POST:/v1/alerts/:id/escalate",
		"GET:/v1/users/:id/signals",
		"GET:/v1/users/:id/score",
		"GET:/v1/users/:id/neighbors",
		"GET:/v1/subscriptions",
		"POST:/v1/subscriptions",
		"GET:/v1/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Ingestion tests
// ---------------------------------------------------------------------------

func TestIngestEvent(t *testing.T) {
	s := newTestServer(t)

	body := `{"type":"booking.created","payload":{"booking_id":"bk_1","client_id":"usr_a","provider_id":"usr_b","amount":120}}`
	w := doJSON(t, s, "POST", "/v1/events", body)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["event_id"] == nil || resp["event_id"] == "" {
		t.Error("Expected event_id in ingestion response")
	}
}

func TestIngestEvent_UnknownTypeRejected(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/events", `{"type":"bogus.event"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown type, got %d", w.Code)
	}
}

func TestIngestEvent_DuplicateIDAccepted(t *testing.T) {
	s := newTestServer(t)

	body := `{"id":"evt_dup","type":"message.created","payload":{"sender_id":"usr_a","receiver_id":"usr_b","content":"hi"}}`
	first := doJSON(t, s, "POST", "/v1/events", body)
	second := doJSON(t, s, "POST", "/v1/events", body)

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Errorf("Duplicate submission must be a safe no-op, got %d then %d", first.Code, second.Code)
	}
}

// Ingesting interactions should flow through the detector pipeline and
// become queryable state.
func TestIngestEvent_BuildsRelationshipGraph(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		body := `{"type":"message.created","payload":{"message_id":"m` + string(rune('0'+i)) + `","sender_id":"usr_a","receiver_id":"usr_b","content":"hey"}}`
		w := doJSON(t, s, "POST", "/v1/events", body)
		if w.Code != http.StatusAccepted {
			t.Fatalf("emit %d failed: %d %s", i, w.Code, w.Body.String())
		}
	}

	w := doJSON(t, s, "GET", "/v1/users/usr_a/neighbors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var resp struct {
		Count     int `json:"count"`
		Neighbors []struct {
			UserID string `json:"user_id"`
		} `json:"neighbors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Count != 1 || resp.Neighbors[0].UserID != "usr_b" {
		t.Errorf("Expected usr_b as sole neighbor, got %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// DLQ endpoint tests
// ---------------------------------------------------------------------------

func TestDLQEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/dlq", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["count"].(float64) != 0 {
		t.Errorf("Expected empty DLQ, got %v", resp["count"])
	}

	w = doJSON(t, s, "POST", "/v1/dlq/retry", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from retry sweep, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t)

	body := `{"url":"https://203.0.113.10/hook","secret":"s3cret","alert_types":["FRAUD_CLUSTER"],"min_severity":"high"}`
	w := doJSON(t, s, "POST", "/v1/subscriptions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var sub map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	id, _ := sub["id"].(string)
	if id == "" {
		t.Fatal("Expected subscription id")
	}
	if _, leaked := sub["secret"]; leaked {
		t.Error("Secret must not appear in responses")
	}

	w = doJSON(t, s, "GET", "/v1/subscriptions/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, "DELETE", "/v1/subscriptions/"+id, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
}

func TestCreateSubscription_RejectsPrivateEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/subscriptions", `{"url":"http://169.254.169.254/latest"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for link-local endpoint, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Dashboard and 404
// ---------------------------------------------------------------------------

func TestDashboardEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for dashboard, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Expected Content-Type header")
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
