package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nakato-labs/chainseq/internal/adminauth"
	"github.com/nakato-labs/chainseq/internal/logging"
	"github.com/nakato-labs/chainseq/internal/netquery"
	"github.com/nakato-labs/chainseq/internal/seqdispatch"
)

func newTestServer(t *testing.T) (*Server, *seqdispatch.Dispatcher) {
	t.Helper()
	transport := netquery.NewFakeDispatcher(nil)
	d := seqdispatch.NewMultiChain(transport, seqdispatch.Config{
		MaxSimultaneousWait: 10,
		IdleGrace:           time.Second,
		IdleRearm:           time.Second,
	}, nil)

	registry := NewMapRegistry()
	registry.Add("demo", d)

	repo := adminauth.NewInMemoryRepository()
	tokens := adminauth.NewJWTTokenManager("test-secret", time.Hour)
	auth := adminauth.NewService(repo, tokens)

	s := New(registry, auth, tokens, nil, nil, logging.Noop())
	return s, d
}

func bootstrapToken(t *testing.T, s *Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": "root", "password": "hunter22"})
	req := httptest.NewRequest("POST", "/admin/bootstrap", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, 201, rec.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestHealthEndpointIsPublic(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/admin/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "\"status\":\"ok\"")
	assert.Contains(t, rec.Body.String(), "\"name\":\"demo\"")
}

func TestMonitoringRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/admin/monitoring", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)
}

func TestMonitoringSucceedsWithBearerToken(t *testing.T) {
	s, _ := newTestServer(t)
	token := bootstrapToken(t, s)

	req := httptest.NewRequest("GET", "/admin/monitoring", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "\"num_goroutine\"")
}

func TestBootstrapTwiceConflicts(t *testing.T) {
	s, _ := newTestServer(t)
	bootstrapToken(t, s)

	body, _ := json.Marshal(map[string]string{"username": "root", "password": "hunter22"})
	req := httptest.NewRequest("POST", "/admin/bootstrap", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 409, rec.Code)
}

func TestDebugSubmitDispatchesAgainstRegisteredDispatcher(t *testing.T) {
	s, _ := newTestServer(t)
	token := bootstrapToken(t, s)

	body, _ := json.Marshal(map[string]interface{}{
		"dispatcher": "demo",
		"label":      "probe",
		"chains":     []int64{7},
	})
	req := httptest.NewRequest("POST", "/admin/debug/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 202, rec.Code)
}

func TestDebugSubmitRejectsUnknownDispatcher(t *testing.T) {
	s, _ := newTestServer(t)
	token := bootstrapToken(t, s)

	body, _ := json.Marshal(map[string]interface{}{
		"dispatcher": "nope",
		"label":      "probe",
		"chains":     []int64{7},
	})
	req := httptest.NewRequest("POST", "/admin/debug/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 404, rec.Code)
}

func TestAuditEndpointWithoutSinkReportsUnavailable(t *testing.T) {
	s, _ := newTestServer(t)
	token := bootstrapToken(t, s)

	req := httptest.NewRequest("GET", "/admin/audit/demo", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 503, rec.Code)
}
