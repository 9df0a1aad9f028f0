package meter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Bldg-7/agentmeter/internal/analytics"
	"github.com/Bldg-7/agentmeter/internal/storage"
)

const testAuthToken = "test-secret-token"

func setupAPI(t *testing.T) (*HTTPAPI, *Engine) {
	t.Helper()
	db := setupEngineTestDB(t)
	store := storage.NewStore(db)
	engine := NewEngine(store, analytics.DefaultPricing(), zap.NewNop())
	api := NewHTTPAPI(engine, db, testAuthToken, zap.NewNop())
	return api, engine
}

func authRequest(method, path string, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	return req
}

func openSessionViaAPI(t *testing.T, handler http.Handler, body string) string {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions", body))
	if w.Code != http.StatusCreated {
		t.Fatalf("open session: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data analytics.SessionHeader `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode open response: %v", err)
	}
	return resp.Data.ID
}

func TestAPIHealthNoAuth(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp healthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Components["database"] != "ok" {
		t.Errorf("expected database ok, got %s", resp.Components["database"])
	}
}

func TestAPIRejectsMissingToken(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	var apiErr apiError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Code != "AUTH_REQUIRED" {
		t.Errorf("expected AUTH_REQUIRED, got %s", apiErr.Code)
	}
}

func TestAPIRejectsWrongToken(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAPISessionLifecycle(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	id := openSessionViaAPI(t, handler, `{"label":"ci-run","model":"gemini-pro"}`)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions/"+id+"/events",
		`{"kind":"LLM_REQUEST","model":"gemini-pro","prompt_chars":4000}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("record event: expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions/"+id+"/close", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("close session: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data analytics.SessionSummary `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if resp.Data.LLMRequests != 1 {
		t.Errorf("llm requests = %d, want 1", resp.Data.LLMRequests)
	}
	if resp.Data.EndedAt == nil {
		t.Error("expected ended_at on closed session")
	}

	// Second close is a conflict.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions/"+id+"/close", ""))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double close, got %d", w.Code)
	}
	var apiErr apiError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Code != "SESSION_ENDED" {
		t.Errorf("expected SESSION_ENDED, got %s", apiErr.Code)
	}
}

func TestAPIGetSummaryNotFound(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/sessions/missing", ""))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAPIRecordEventBadKind(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	id := openSessionViaAPI(t, handler, `{"label":"run"}`)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions/"+id+"/events", `{"kind":"NOT_A_KIND"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAPIListSessionsFiltersStatus(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	active := openSessionViaAPI(t, handler, `{"label":"active"}`)
	closed := openSessionViaAPI(t, handler, `{"label":"closed"}`)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions/"+closed+"/close", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("close session: %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/sessions?status=active", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("list sessions: %d", w.Code)
	}

	var resp struct {
		Data []analytics.SessionHeader `json:"data"`
		Meta *apiMeta                  `json:"meta"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != active {
		t.Errorf("expected only the active session, got %+v", resp.Data)
	}
}

func TestAPILatencyAndNoData(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	id := openSessionViaAPI(t, handler, `{"label":"run"}`)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/latency?session_id="+id, ""))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 NO_DATA, got %d", w.Code)
	}
	var apiErr apiError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Code != "NO_DATA" {
		t.Errorf("expected NO_DATA, got %s", apiErr.Code)
	}

	for _, d := range []int64{100, 200} {
		body := fmt.Sprintf(`{"kind":"TOOL_END","tool_name":"bash","duration_ms":%d}`, d)
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, authRequest("POST", "/api/v1/sessions/"+id+"/events", body))
		if w.Code != http.StatusAccepted {
			t.Fatalf("record event: %d", w.Code)
		}
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/latency?session_id="+id, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("latency: expected 200, got %d", w.Code)
	}

	var resp struct {
		Data LatencyReport `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode latency response: %v", err)
	}
	if resp.Data.Overall == nil || resp.Data.Overall.SampleCount != 2 {
		t.Errorf("unexpected overall stats: %+v", resp.Data.Overall)
	}
	if len(resp.Data.Tools) != 1 || resp.Data.Tools[0].Tool != "bash" {
		t.Errorf("unexpected tool breakdown: %+v", resp.Data.Tools)
	}
}

func TestAPICompareRequiresBothIDs(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/compare?baseline=a", ""))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestAPIBudgetRoundTrip(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("PATCH", "/api/v1/budget", `{"session_cap_usd":2.5,"alert_threshold_pct":90}`))
	if w.Code != http.StatusOK {
		t.Fatalf("set budget: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/budget", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("get budget: %d", w.Code)
	}

	var resp struct {
		Data analytics.BudgetConfig `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode budget response: %v", err)
	}
	if resp.Data.SessionCapUSD != 2.5 || resp.Data.AlertThresholdPct != 90 {
		t.Errorf("unexpected budget config: %+v", resp.Data)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("PATCH", "/api/v1/budget", `{"session_cap_usd":-1}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative cap, got %d", w.Code)
	}
}

func TestAPIExport(t *testing.T) {
	api, _ := setupAPI(t)
	handler := api.Handler()

	a := openSessionViaAPI(t, handler, `{"label":"a"}`)
	b := openSessionViaAPI(t, handler, `{"label":"b"}`)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authRequest("GET", "/api/v1/export?ids="+a+","+b, ""))
	if w.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data []analytics.SessionSummary `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode export response: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Errorf("expected 2 summaries, got %d", len(resp.Data))
	}
}

func TestAPISDKVersionGate(t *testing.T) {
	api, _ := setupAPI(t)

	constraint, err := semver.NewConstraint(">= 1.2.0")
	if err != nil {
		t.Fatalf("parse constraint: %v", err)
	}
	api.SetSDKConstraint(constraint)
	handler := api.Handler()

	req := authRequest("POST", "/api/v1/sessions", `{"label":"run"}`)
	req.Header.Set(sdkVersionHeader, "1.1.9")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUpgradeRequired {
		t.Fatalf("expected 426 for old SDK, got %d", w.Code)
	}
	var apiErr apiError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Code != "SDK_TOO_OLD" {
		t.Errorf("expected SDK_TOO_OLD, got %s", apiErr.Code)
	}

	req = authRequest("POST", "/api/v1/sessions", `{"label":"run"}`)
	req.Header.Set(sdkVersionHeader, "1.2.0")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 for supported SDK, got %d", w.Code)
	}

	req = authRequest("POST", "/api/v1/sessions", `{"label":"run"}`)
	req.Header.Set(sdkVersionHeader, "not-a-version")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed version, got %d", w.Code)
	}

	// No header passes through the gate.
	req = authRequest("POST", "/api/v1/sessions", `{"label":"run"}`)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 without version header, got %d", w.Code)
	}
}
