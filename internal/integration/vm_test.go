package integration

import (
	"net/http"
	"testing"
)

// The test server has no execution VM configured, so every launch endpoint
// must answer 503 rather than erroring deeper in the stack.
func TestVMEndpointsUnconfigured(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("tara@example.com")
	client := ts.AuthenticatedClient(user)
	project := cloneHelloWorld(t, ts, client)

	base := "/api/repos/" + project.ID + "/vm"

	gets := []string{base + "/status", base + "/logs"}
	for _, path := range gets {
		resp := client.Get(path)
		AssertStatus(t, resp, http.StatusServiceUnavailable)
		resp.Body.Close()
	}

	posts := []string{base + "/rerun", base + "/stop", base + "/restart"}
	for _, path := range posts {
		resp := client.Post(path, nil)
		AssertStatus(t, resp, http.StatusServiceUnavailable)
		resp.Body.Close()
	}
}

func TestVMEndpointsUnknownProject(t *testing.T) {
	ts := NewTestServer(t)
	user := ts.CreateTestUser("uma@example.com")
	client := ts.AuthenticatedClient(user)

	// Ownership is checked before VM availability.
	resp := client.Get("/api/repos/no-such-project/vm/status")
	AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
