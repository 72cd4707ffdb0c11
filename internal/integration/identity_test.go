package integration

import (
	"context"
	"net/http"
	"testing"
)

func TestGiteaIntegrationIdempotent(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("nina@example.com")
	ctx := context.Background()

	first, err := ts.Identity.EnsureGiteaIntegration(ctx, user.User.ID)
	if err != nil {
		t.Fatalf("first integration failed: %v", err)
	}
	if !first.IsNew {
		t.Error("expected first call to create the gitea account")
	}
	if first.Username != "nina" {
		t.Errorf("unexpected username %q", first.Username)
	}

	second, err := ts.Identity.EnsureGiteaIntegration(ctx, user.User.ID)
	if err != nil {
		t.Fatalf("second integration failed: %v", err)
	}
	if second.IsNew {
		t.Error("expected second call to find the existing account")
	}
	if second.Username != first.Username {
		t.Errorf("login changed across calls: %q then %q", first.Username, second.Username)
	}
	if ts.Gitea.UserCount() != 1 {
		t.Errorf("expected 1 gitea account, got %d", ts.Gitea.UserCount())
	}
}

func TestGiteaIntegrationStampsExistingAccount(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("omar@example.com")
	ts.Gitea.AddUser("omar", "omar@example.com")
	ctx := context.Background()

	id, err := ts.Identity.EnsureGiteaIntegration(ctx, user.User.ID)
	if err != nil {
		t.Fatalf("integration failed: %v", err)
	}
	if id.IsNew {
		t.Error("expected the pre-existing account to be found, not created")
	}
	if id.Username != "omar" {
		t.Errorf("unexpected username %q", id.Username)
	}

	stored, err := ts.Store.GetUserByID(ctx, user.User.ID)
	if err != nil {
		t.Fatalf("failed to reload user: %v", err)
	}
	if stored.GiteaCreatedAt == nil {
		t.Error("expected gitea_created_at to be stamped on the found path")
	}
}

func TestGiteaIntegrationTokenMintFailureDegrades(t *testing.T) {
	ts := NewTestServer(t)
	ts.Gitea.FailTokens = true
	user := ts.CreateTestUser("pia@example.com")

	id, err := ts.Identity.EnsureGiteaIntegration(context.Background(), user.User.ID)
	if err != nil {
		t.Fatalf("expected integration to succeed without a user token: %v", err)
	}
	if id.Token != "" {
		t.Errorf("expected empty token, got %q", id.Token)
	}

	// Operations still work through the shared admin credential.
	client := ts.AuthenticatedClient(user)
	resp := client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}
