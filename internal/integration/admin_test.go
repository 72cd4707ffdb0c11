package integration

import (
	"net/http"
	"testing"
)

type mappingsResponse struct {
	Mappings []struct {
		UserID        string `json:"user_id"`
		Email         string `json:"email"`
		Role          string `json:"role"`
		GiteaUsername string `json:"gitea_username"`
		GiteaFound    bool   `json:"gitea_found"`
		ProjectCount  int64  `json:"project_count"`
	} `json:"mappings"`
	Total int `json:"total"`
}

func TestAdminMappingsRequiresAdmin(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("mallory@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Get("/api/admin/mappings")
	AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAdminMappingsReport(t *testing.T) {
	ts := NewTestServer(t)

	// One user with a clone (so a Gitea account exists), one without.
	cloner := ts.CreateTestUser("nina@example.com")
	cloneHelloWorld(t, ts, ts.AuthenticatedClient(cloner))

	admin := ts.CreateTestAdmin("oscar@example.com")
	client := ts.AuthenticatedClient(admin)

	resp := client.Get("/api/admin/mappings")
	AssertStatus(t, resp, http.StatusOK)

	var report mappingsResponse
	ParseJSON(t, resp, &report)

	if report.Total != 2 {
		t.Fatalf("expected 2 mappings, got %d", report.Total)
	}

	byEmail := make(map[string]int)
	for i, m := range report.Mappings {
		byEmail[m.Email] = i
	}

	ninaIdx, ok := byEmail["nina@example.com"]
	if !ok {
		t.Fatal("nina@example.com missing from report")
	}
	nina := report.Mappings[ninaIdx]
	if !nina.GiteaFound {
		t.Error("expected nina's Gitea account to be found after cloning")
	}
	if nina.GiteaUsername != "nina" {
		t.Errorf("expected gitea username nina, got %q", nina.GiteaUsername)
	}
	if nina.ProjectCount != 1 {
		t.Errorf("expected 1 project for nina, got %d", nina.ProjectCount)
	}

	oscarIdx, ok := byEmail["oscar@example.com"]
	if !ok {
		t.Fatal("oscar@example.com missing from report")
	}
	oscar := report.Mappings[oscarIdx]
	if oscar.GiteaFound {
		t.Error("oscar never cloned, no Gitea account should exist")
	}
	// Without an account the report predicts the provisioning username.
	if oscar.GiteaUsername != "oscar" {
		t.Errorf("expected predicted username oscar, got %q", oscar.GiteaUsername)
	}
	if oscar.Role != "admin" {
		t.Errorf("expected admin role, got %q", oscar.Role)
	}
}
