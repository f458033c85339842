package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenttrace/agenttrace/audit"
	auditindex "github.com/agenttrace/agenttrace/audit/index"
	auditquery "github.com/agenttrace/agenttrace/audit/query"
)

// testStack wires a real audit service, index mirror, and query API.
type testStack struct {
	server   *httptest.Server
	audit    *audit.Service
	auth     *auditquery.Authenticator
	readTok  string
	adminTok string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	logger := zap.NewNop()

	storage, err := audit.NewLocalStorage(t.TempDir(), logger)
	require.NoError(t, err)
	auditSvc := audit.NewService(audit.ServiceConfig{
		BatchSize:     50,
		BatchInterval: 5 * time.Millisecond,
	}, storage, nil, nil, logger)
	t.Cleanup(auditSvc.Close)

	idx, err := auditindex.Open(auditindex.Config{Driver: "sqlite", DSN: ":memory:"}, logger)
	require.NoError(t, err)
	auditSvc.OnCommit(func(e *audit.Event) {
		idx.InsertEvent(context.Background(), e)
	})

	querySvc := auditquery.NewService(idx, auditSvc, logger)
	exports, err := auditquery.NewExportManager(idx, auditSvc, t.TempDir(), nil, logger)
	require.NoError(t, err)
	t.Cleanup(exports.Close)

	bus := auditquery.NewBus(nil, logger)
	limiter := auditquery.NewRateLimiter()
	auth := auditquery.NewAuthenticator("handler-test-secret")

	handler := NewAuditHandler(querySvc, auditSvc, exports, bus, limiter, auth, logger)
	mux := http.NewServeMux()
	handler.Register(mux)

	readTok, err := auth.MintToken("reader", []auditquery.Capability{auditquery.CapRead, auditquery.CapExport})
	require.NoError(t, err)
	adminTok, err := auth.MintToken("admin", []auditquery.Capability{auditquery.CapAdmin})
	require.NoError(t, err)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testStack{
		server:   srv,
		audit:    auditSvc,
		auth:     auth,
		readTok:  readTok,
		adminTok: adminTok,
	}
}

func (s *testStack) capture(t *testing.T, org, eventType string, ts time.Time) *audit.Event {
	t.Helper()
	e, err := s.audit.CaptureSync(context.Background(), audit.CaptureRequest{
		OrganizationID: org,
		Actor:          audit.Actor{Type: audit.ActorUser, ID: "u1"},
		Classification: audit.Classification{Category: audit.CategoryAuth, Type: eventType, Severity: audit.SeverityInfo},
		Resource:       audit.Resource{Type: "session", ID: "s1"},
		Action:         audit.ActionCreate,
		Timestamp:      ts,
	})
	require.NoError(t, err)
	return e
}

func (s *testStack) get(t *testing.T, token, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestAuditAPI_QueryEvents(t *testing.T) {
	stack := newTestStack(t)
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		stack.capture(t, "org-1", fmt.Sprintf("user.login.%d", i), t0.Add(time.Duration(i)*time.Second))
	}

	path := fmt.Sprintf("/v1/audit/events?organization_id=org-1&from=%s&to=%s",
		t0.Add(-time.Minute).Format(time.RFC3339), t0.Add(time.Minute).Format(time.RFC3339))
	resp, body := stack.get(t, stack.readTok, path)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	events := data["events"].([]any)
	assert.Len(t, events, 3)
}

func TestAuditAPI_AuthRequired(t *testing.T) {
	stack := newTestStack(t)

	resp, body := stack.get(t, "", "/v1/audit/events?organization_id=org-1")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	errInfo := body["error"].(map[string]any)
	assert.Equal(t, "UNAUTHORIZED", errInfo["code"])
}

func TestAuditAPI_VerifyRequiresAdmin(t *testing.T) {
	stack := newTestStack(t)
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stack.capture(t, "org-1", "user.login", t0)

	path := fmt.Sprintf("/v1/audit/verify?organization_id=org-1&from=%s&to=%s",
		t0.Add(-time.Minute).Format(time.RFC3339), t0.Add(time.Minute).Format(time.RFC3339))

	resp, _ := stack.get(t, stack.readTok, path)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "audit:read cannot verify")

	resp, body := stack.get(t, stack.adminTok, path)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, float64(1), data["total"])
}

func TestAuditAPI_GetEventAndContext(t *testing.T) {
	stack := newTestStack(t)
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var middle *audit.Event
	for i := 0; i < 5; i++ {
		e := stack.capture(t, "org-1", fmt.Sprintf("evt.%d", i), t0.Add(time.Duration(i)*time.Second))
		if i == 2 {
			middle = e
		}
	}

	resp, body := stack.get(t, stack.readTok,
		"/v1/audit/events/"+middle.EventID+"?organization_id=org-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, middle.EventID, data["event_id"])

	resp, body = stack.get(t, stack.readTok,
		"/v1/audit/events/"+middle.EventID+"/context?organization_id=org-1&before=1&after=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data = body["data"].(map[string]any)
	assert.Equal(t, "valid", data["chain_status"])
	assert.Len(t, data["before"].([]any), 1)
	assert.Len(t, data["after"].([]any), 1)

	resp, _ = stack.get(t, stack.readTok, "/v1/audit/events/ghost?organization_id=org-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditAPI_ExportLifecycle(t *testing.T) {
	stack := newTestStack(t)
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		stack.capture(t, "org-1", fmt.Sprintf("evt.%d", i), t0.Add(time.Duration(i)*time.Second))
	}

	payload := fmt.Sprintf(`{
		"organization_id": "org-1",
		"from": %q, "to": %q,
		"format": "csv",
		"include_verification": true
	}`, t0.Add(-time.Minute).Format(time.RFC3339), t0.Add(time.Minute).Format(time.RFC3339))

	req, err := http.NewRequest(http.MethodPost, stack.server.URL+"/v1/audit/export", strings.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+stack.readTok)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	job := created["data"].(map[string]any)
	exportID := job["export_id"].(string)
	assert.Equal(t, "pending", job["status"])

	// Poll until the background worker completes the job.
	require.Eventually(t, func() bool {
		_, body := stack.get(t, stack.readTok, "/v1/audit/export/"+exportID)
		data, ok := body["data"].(map[string]any)
		return ok && data["status"] == "completed"
	}, 10*time.Second, 50*time.Millisecond)

	// Download has header + 4 rows with hash columns.
	req, err = http.NewRequest(http.MethodGet, stack.server.URL+"/v1/audit/export/"+exportID+"/download", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+stack.readTok)
	dl, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer dl.Body.Close()
	require.Equal(t, http.StatusOK, dl.StatusCode)

	raw, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "hash")
	assert.Contains(t, lines[0], "previous_hash")
}

func TestAuditAPI_SelfAuditing(t *testing.T) {
	stack := newTestStack(t)
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	stack.capture(t, "org-1", "user.login", t0)

	path := fmt.Sprintf("/v1/audit/events?organization_id=org-1&from=%s&to=%s",
		t0.Add(-time.Minute).Format(time.RFC3339), t0.Add(time.Minute).Format(time.RFC3339))
	resp, _ := stack.get(t, stack.readTok, path)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The view itself lands in the audit log.
	require.Eventually(t, func() bool {
		events, err := stack.audit.QueryEvents(context.Background(), "org-1",
			time.Now().UTC().Add(-time.Minute), time.Now().UTC().Add(time.Minute))
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Classification.Type == "audit_log.viewed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAuditAPI_Health(t *testing.T) {
	stack := newTestStack(t)
	resp, err := http.Get(stack.server.URL + "/v1/audit/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
