package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type unreachableStore struct {
	*memStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	payload := map[string]any{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	f := newStudyFixture(t)
	handler := NewHTTPServer(f.svc, "*").Handler()

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("expected ok health, got %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header, got %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestReadyEndpointReportsDatabaseFailure(t *testing.T) {
	svc := newService(testConfig(), unreachableStore{newMemStore()}, nil, Options{})
	handler := NewHTTPServer(svc, "*").Handler()

	rr, payload := doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if payload["status"] != "not_ready" {
		t.Fatalf("expected not_ready, got %v", payload["status"])
	}
}

func TestStudyLoginAndState(t *testing.T) {
	f := newStudyFixture(t)
	handler := NewHTTPServer(f.svc, "*").Handler()
	if _, err := f.st.CreateParticipant(context.Background(), f.study.ID, "HTTP2345", "A"); err != nil {
		t.Fatalf("create participant: %v", err)
	}

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/study/login", "", `{"accessCode":" http2345 "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("expected token")
	}
	state, _ := payload["state"].(map[string]any)
	if state["redirect"] != "/study/pre-survey" {
		t.Fatalf("expected pre-survey redirect, got %v", state["redirect"])
	}

	rr, payload = doJSON(t, handler, http.MethodGet, "/api/study/state", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	state, _ = payload["state"].(map[string]any)
	if state["status"] != "STARTED" {
		t.Fatalf("expected STARTED, got %v", state["status"])
	}

	rr, payload = doJSON(t, handler, http.MethodGet, "/api/study/state", "", "")
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 without token, got %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/study/login", "", `{"accessCode":"NOPE2345"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown code, got %d", rr.Code)
	}
}

func TestWrongStepCarriesRedirect(t *testing.T) {
	f := newStudyFixture(t)
	handler := NewHTTPServer(f.svc, "*").Handler()
	f.enroll(t, "STEP2345")

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/study/tasks/2/start", f.token, "")
	if rr.Code != http.StatusConflict || payload["code"] != "WRONG_STEP" {
		t.Fatalf("expected 409 WRONG_STEP, got %d %v", rr.Code, payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["redirect"] != "/study/pre-survey" {
		t.Fatalf("expected redirect to pre-survey, got %v", details)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/study/tasks/zero/start", f.token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad task number, got %d", rr.Code)
	}
}

func TestChatAppendStatusCodes(t *testing.T) {
	f := newStudyFixture(t)
	handler := NewHTTPServer(f.svc, "*").Handler()
	f.enrollAtTask(t, "CHAT2345")
	body := `{"threadId":"tg-http","messageId":"m-http","role":"human","content":"hello"}`

	rr, payload := doJSON(t, handler, http.MethodPost, "/api/study/chat/messages", f.token, body)
	if rr.Code != http.StatusCreated || payload["created"] != true {
		t.Fatalf("expected 201 created, got %d %v", rr.Code, payload)
	}
	rr, payload = doJSON(t, handler, http.MethodPost, "/api/study/chat/messages", f.token, body)
	if rr.Code != http.StatusOK || payload["alreadyPersisted"] != true {
		t.Fatalf("expected 200 alreadyPersisted, got %d %v", rr.Code, payload)
	}

	rr, _ = doJSON(t, handler, http.MethodPost, "/api/study/chat/messages", f.token, `{"threadId":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rr.Code)
	}

	rr, payload = doJSON(t, handler, http.MethodPost, "/api/study/chat/threads/tg-http/close", f.token, `{"reason":"ABANDONED"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for inferred-only reason, got %d %v", rr.Code, payload)
	}
}

func TestAdminRoutesRequireResearcherToken(t *testing.T) {
	f := newStudyFixture(t)
	handler := NewHTTPServer(f.svc, "*").Handler()
	f.enroll(t, "ADMN2345")

	rr, _ := doJSON(t, handler, http.MethodGet, "/api/admin/studies", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr, _ = doJSON(t, handler, http.MethodGet, "/api/admin/studies", f.token, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a participant token, got %d", rr.Code)
	}

	f.svc.cfg.AdminEmail = "admin@example.org"
	f.svc.cfg.AdminPassword = "correct-horse"
	if err := f.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	rr, payload := doJSON(t, handler, http.MethodPost, "/api/admin/login", "", `{"email":"admin@example.org","password":"correct-horse"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	token, _ := payload["token"].(string)

	rr, payload = doJSON(t, handler, http.MethodGet, "/api/admin/studies", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	items, _ := payload["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one study, got %v", payload["items"])
	}

	rr, _ = doJSON(t, handler, http.MethodGet, "/api/admin/studies/"+f.study.ID+"/export?format=csv", token, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Header().Get("Content-Disposition"), ".csv") {
		t.Fatalf("expected csv attachment, got %d %q", rr.Code, rr.Header().Get("Content-Disposition"))
	}

	rr, payload = doJSON(t, handler, http.MethodGet, "/api/admin/search?q=revenue", token, "")
	if rr.Code != http.StatusServiceUnavailable || payload["code"] != "SEARCH_DISABLED" {
		t.Fatalf("expected 503 SEARCH_DISABLED, got %d %v", rr.Code, payload)
	}
}
