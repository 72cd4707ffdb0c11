package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gitgenie/gitgenie/internal/model"
)

func TestCloneEndToEnd(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("dana@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusCreated)

	var project model.Project
	ParseJSON(t, resp, &project)

	if project.GitHubOwner != "octocat" || project.GitHubRepo != "Hello-World" {
		t.Errorf("unexpected source: %s/%s", project.GitHubOwner, project.GitHubRepo)
	}
	if project.ConnectionStatus != model.ConnectionStatusConnected {
		t.Errorf("expected connected status, got %q", project.ConnectionStatus)
	}
	if project.GiteaRepoName == "" || project.GiteaCloneURL == "" {
		t.Errorf("expected gitea repo fields to be set, got %+v", project)
	}

	// A Gitea account was provisioned for the user's email.
	if ts.Gitea.UserCount() != 1 {
		t.Errorf("expected 1 gitea user, got %d", ts.Gitea.UserCount())
	}
	if !ts.Gitea.HasRepo("dana", project.GiteaRepoName) {
		t.Errorf("expected gitea repo dana/%s to exist", project.GiteaRepoName)
	}

	// The project shows up in the list.
	resp = client.Get("/api/repos")
	AssertStatus(t, resp, http.StatusOK)
	var projects []model.Project
	ParseJSON(t, resp, &projects)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}

	// Cloning the same source again conflicts and writes no second row.
	resp = client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = client.Get("/api/repos")
	AssertStatus(t, resp, http.StatusOK)
	ParseJSON(t, resp, &projects)
	if len(projects) != 1 {
		t.Errorf("expected still 1 project after conflict, got %d", len(projects))
	}

	// Deleting removes the Gitea-side repository too.
	resp = client.Delete("/api/repos/" + project.ID)
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	if ts.Gitea.HasRepo("dana", project.GiteaRepoName) {
		t.Errorf("expected gitea repo to be deleted")
	}
}

func TestCloneUnknownSourceRepo(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("erin@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Post("/api/repos", map[string]string{
		"owner": "nobody",
		"repo":  "does-not-exist",
	})
	AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestCloneFallbackWhenMigrateFails(t *testing.T) {
	ts := NewTestServer(t)
	ts.Gitea.FailMigrate = true

	user := ts.CreateTestUser("frank@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusCreated)

	var project model.Project
	ParseJSON(t, resp, &project)
	if !ts.Gitea.HasRepo("frank", project.GiteaRepoName) {
		t.Errorf("expected fallback-created repo frank/%s", project.GiteaRepoName)
	}
}

func TestCloneOwnershipMismatchAborts(t *testing.T) {
	ts := NewTestServer(t)
	ts.Gitea.MisrouteOwner = "mallory"

	user := ts.CreateTestUser("quinn@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	// No project row was written.
	resp = client.Get("/api/repos")
	AssertStatus(t, resp, http.StatusOK)
	var projects []model.Project
	ParseJSON(t, resp, &projects)
	if len(projects) != 0 {
		t.Fatalf("expected no projects after aborted clone, got %d", len(projects))
	}

	// The misrouted repository was rolled back.
	if ts.Gitea.RepoCount() != 0 {
		t.Errorf("expected misrouted repo to be deleted, %d repos remain", ts.Gitea.RepoCount())
	}
}

func TestCloneFallbackPendingEnqueuesSync(t *testing.T) {
	ts := NewTestServer(t)
	ts.Gitea.FailMigrate = true
	ts.Gitea.StalledSync = true

	user := ts.CreateTestUser("rosa@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusCreated)

	var project model.Project
	ParseJSON(t, resp, &project)
	if project.ConnectionStatus != model.ConnectionStatusPending {
		t.Errorf("expected pending status while content lags, got %q", project.ConnectionStatus)
	}

	// The queued sync job finishes the import in the background.
	synced := ts.WaitForSyncedProject(project.ID, 5*time.Second)
	if synced.ConnectionStatus != model.ConnectionStatusConnected {
		t.Errorf("expected connected after background sync, got %q", synced.ConnectionStatus)
	}
}

func TestCloneIsolatedPerUser(t *testing.T) {
	ts := NewTestServer(t)
	owner := ts.CreateTestUser("gail@example.com")
	other := ts.CreateTestUser("hank@example.com")

	resp := ts.AuthenticatedClient(owner).Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusCreated)
	var project model.Project
	ParseJSON(t, resp, &project)

	// Another user cannot see or delete it.
	resp = ts.AuthenticatedClient(other).Get("/api/repos/" + project.ID)
	AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = ts.AuthenticatedClient(other).Delete("/api/repos/" + project.ID)
	AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSyncProjectRunsOnDispatcher(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("iris@example.com")
	client := ts.AuthenticatedClient(user)

	resp := client.Post("/api/repos", map[string]string{
		"owner": "octocat",
		"repo":  "Hello-World",
	})
	AssertStatus(t, resp, http.StatusCreated)
	var project model.Project
	ParseJSON(t, resp, &project)

	resp = client.Post("/api/repos/"+project.ID+"/sync", nil)
	AssertStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	synced := ts.WaitForSyncedProject(project.ID, 5*time.Second)
	if synced.ConnectionStatus != model.ConnectionStatusConnected {
		t.Errorf("expected connected after sync, got %q", synced.ConnectionStatus)
	}
}
