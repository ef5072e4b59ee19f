package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"ciptargetd/cip"
	"ciptargetd/config"
	"ciptargetd/eip"
	"ciptargetd/server"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	hashViewer, err := bcrypt.GenerateFromPassword([]byte("viewer"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	return &config.Config{
		Web: config.WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    0,
			UI: config.WebUIConfig{
				Enabled:       true,
				SessionSecret: "dGVzdHNlY3JldHRlc3RzZWNyZXR0ZXN0c2VjcmV0dGVzdA==",
				Users: []config.WebUser{
					{Username: "admin", PasswordHash: string(hash), Role: config.RoleAdmin},
					{Username: "viewer", PasswordHash: string(hashViewer), Role: config.RoleViewer},
				},
			},
		},
	}
}

func newTestTarget(t *testing.T) (*cip.Registry, *server.Server) {
	t.Helper()
	reg := cip.NewRegistry()
	obj := cip.NewObject(0x68, 1)
	obj.SetAttribute(cip.NewAttribute(1, cip.TypeDINT, 1, cip.AccessGetSet, int32(7)))
	obj.SetAttribute(cip.NewAttribute(2, cip.TypeDINT, 1, cip.AccessGet, int32(99)))
	reg.Add(obj)

	srv := server.New(reg, nil, eip.Identity{ProductName: "test"})
	return reg, srv
}

func loginAs(t *testing.T, client *http.Client, url, username, password string) []*http.Cookie {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: username, Password: password})
	resp, err := client.Post(url+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status = %d, want 200", resp.StatusCode)
	}
	return resp.Cookies()
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/objects")
	if err != nil {
		t.Fatalf("GET /api/objects: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginThenListObjects(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := ts.Client()

	cookies := loginAs(t, client, ts.URL, "viewer", "viewer")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/objects", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /api/objects: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var objs []ObjectSummary
	if err := json.NewDecoder(resp.Body).Decode(&objs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(objs) != 1 || objs[0].ClassID != 0x68 {
		t.Errorf("objects = %+v, want one object of class 0x68", objs)
	}
}

func TestViewerCannotWriteAttribute(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := ts.Client()

	cookies := loginAs(t, client, ts.URL, "viewer", "viewer")

	body, _ := json.Marshal(map[string]int{"value": 42})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/objects/104/1/1", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminCanWriteAttributeAndItTakesEffect(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := ts.Client()

	cookies := loginAs(t, client, ts.URL, "admin", "admin")

	body, _ := json.Marshal(map[string]int{"value": 42})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/objects/104/1/1", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	obj, _ := reg.Get(0x68, 1)
	attr, _ := obj.Attribute(1)
	v, _ := attr.Get(0)
	if v != int32(42) {
		t.Errorf("attribute value = %v, want 42", v)
	}
}

func TestAdminWriteToReadOnlyAttributeFailsLikeTheWireWould(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := ts.Client()

	cookies := loginAs(t, client, ts.URL, "admin", "admin")

	body, _ := json.Marshal(map[string]int{"value": 1})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/objects/104/1/2", bytes.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409 (matching CIP attribute-not-settable)", resp.StatusCode)
	}
}

func TestListSessionsReflectsLiveConnections(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := ts.Client()

	cookies := loginAs(t, client, ts.URL, "viewer", "viewer")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var sessions []SessionSummary
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("sessions = %+v, want empty (no connections opened)", sessions)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	cfg := newTestConfig(t)
	reg, target := newTestTarget(t)
	s := NewServer(cfg, reg, target)

	ts := httptest.NewServer(s.router)
	defer ts.Close()
	client := ts.Client()

	cookies := loginAs(t, client, ts.URL, "admin", "admin")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/objects", nil)
	for _, c := range resp.Cookies() {
		req.AddCookie(c)
	}
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET /api/objects after logout: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("status after logout = %d, want 401", resp2.StatusCode)
	}
}
