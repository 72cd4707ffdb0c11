package integration

import (
	"net/http"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	ts := NewTestServer(t)

	resp, err := http.Get(ts.Server.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	AssertStatus(t, resp, http.StatusOK)

	var body map[string]string
	ParseJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestSystemStatus(t *testing.T) {
	ts := NewTestServer(t)

	resp, err := http.Get(ts.Server.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	AssertStatus(t, resp, http.StatusOK)

	var status struct {
		OK    bool `json:"ok"`
		Gitea struct {
			Available bool   `json:"available"`
			Detail    string `json:"detail"`
		} `json:"gitea"`
		VM struct {
			Available bool   `json:"available"`
			Detail    string `json:"detail"`
		} `json:"vm"`
		Database struct {
			Available bool `json:"available"`
		} `json:"database"`
	}
	ParseJSON(t, resp, &status)

	if !status.OK {
		t.Error("expected overall ok with Gitea and database reachable")
	}
	if !status.Gitea.Available || status.Gitea.Detail != "1.22.0" {
		t.Errorf("unexpected gitea status: %+v", status.Gitea)
	}
	if status.VM.Available || status.VM.Detail != "not configured" {
		t.Errorf("unexpected vm status: %+v", status.VM)
	}
	if !status.Database.Available {
		t.Error("expected database to be available")
	}
}
