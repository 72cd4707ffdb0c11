package integration

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

// FakeGitea is an in-memory stand-in for the Gitea API surface the server
// talks to. State is keyed the way Gitea keys it: users by login, repos by
// owner/name.
type FakeGitea struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	users  map[string]fakeGiteaUser
	repos  map[string]fakeGiteaRepo
	tokens map[string][]string // username -> token names

	// FailMigrate makes POST /repos/migrate return 500, forcing the
	// create+mirror-sync fallback path.
	FailMigrate bool

	// FailTokens makes the token endpoints return 500, so per-user token
	// minting cannot succeed.
	FailTokens bool

	// StalledSync makes mirror-sync succeed without content ever
	// arriving, so fallback clones stay empty.
	StalledSync bool

	// MisrouteOwner, when set, makes migrate and create place the
	// repository under this owner instead of the requested one.
	MisrouteOwner string
}

type fakeGiteaUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

type fakeGiteaRepo struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	FullName      string         `json:"full_name"`
	CloneURL      string         `json:"clone_url"`
	HTMLURL       string         `json:"html_url"`
	DefaultBranch string         `json:"default_branch"`
	Empty         bool           `json:"empty"`
	Mirror        bool           `json:"mirror"`
	Owner         *fakeGiteaUser `json:"owner"`
}

// NewFakeGitea starts a fake Gitea server. It is shut down on test cleanup.
func NewFakeGitea(t *testing.T) *FakeGitea {
	t.Helper()

	f := &FakeGitea{
		t:      t,
		users:  make(map[string]fakeGiteaUser),
		repos:  make(map[string]fakeGiteaRepo),
		tokens: make(map[string][]string),
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", f.version)
		r.Get("/users/search", f.searchUsers)
		r.Post("/admin/users", f.createUser)
		r.Post("/admin/users/{username}/repos", f.createRepo)
		r.Post("/users/{username}/tokens", f.createToken)
		r.Delete("/users/{username}/tokens/{name}", f.deleteToken)
		r.Post("/repos/migrate", f.migrate)
		r.Get("/repos/{owner}/{repo}", f.getRepo)
		r.Delete("/repos/{owner}/{repo}", f.deleteRepo)
		r.Post("/repos/{owner}/{repo}/mirror-sync", f.mirrorSync)
		r.Get("/repos/{owner}/{repo}/contents", f.contents)
	})

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the fake server's base URL.
func (f *FakeGitea) URL() string { return f.srv.URL }

// UserCount returns how many Gitea accounts exist.
func (f *FakeGitea) UserCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// AddUser registers a pre-existing Gitea account.
func (f *FakeGitea) AddUser(login, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[login] = fakeGiteaUser{ID: int64(len(f.users) + 1), Login: login, Email: email}
}

// HasRepo reports whether owner/name exists.
func (f *FakeGitea) HasRepo(owner, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.repos[owner+"/"+name]
	return ok
}

// RepoCount returns how many repositories exist across all owners.
func (f *FakeGitea) RepoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.repos)
}

func (f *FakeGitea) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": "1.22.0"})
}

func (f *FakeGitea) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))

	f.mu.Lock()
	var matches []fakeGiteaUser
	for _, u := range f.users {
		if strings.Contains(strings.ToLower(u.Email), q) || strings.Contains(strings.ToLower(u.Login), q) {
			matches = append(matches, u)
		}
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": matches, "ok": true})
}

func (f *FakeGitea) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, req.Email) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "e-mail already used"})
			return
		}
	}
	if _, ok := f.users[req.Username]; ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "user already exists"})
		return
	}

	u := fakeGiteaUser{ID: int64(len(f.users) + 1), Login: req.Username, Email: req.Email}
	f.users[req.Username] = u
	writeJSON(w, http.StatusCreated, u)
}

func (f *FakeGitea) createToken(w http.ResponseWriter, r *http.Request) {
	if f.FailTokens {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "token API unavailable"})
		return
	}

	username := chi.URLParam(r, "username")
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.tokens[username] = append(f.tokens[username], req.Name)
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"sha1": "token-" + username + "-" + req.Name})
}

func (f *FakeGitea) deleteToken(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	name := chi.URLParam(r, "name")

	f.mu.Lock()
	defer f.mu.Unlock()
	names := f.tokens[username]
	for i, n := range names {
		if n == name {
			f.tokens[username] = append(names[:i], names[i+1:]...)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "token not found"})
}

func (f *FakeGitea) migrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CloneAddr string `json:"clone_addr"`
		RepoOwner string `json:"repo_owner"`
		RepoName  string `json:"repo_name"`
		Mirror    bool   `json:"mirror"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailMigrate {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "migration failed"})
		return
	}
	if f.MisrouteOwner != "" {
		req.RepoOwner = f.MisrouteOwner
	}
	key := req.RepoOwner + "/" + req.RepoName
	if _, ok := f.repos[key]; ok {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "The repository with the same name already exists."})
		return
	}

	owner := f.users[req.RepoOwner]
	repo := fakeGiteaRepo{
		ID:            int64(len(f.repos) + 1),
		Name:          req.RepoName,
		FullName:      key,
		CloneURL:      f.srv.URL + "/" + key + ".git",
		HTMLURL:       f.srv.URL + "/" + key,
		DefaultBranch: "main",
		Mirror:        req.Mirror,
		Owner:         &owner,
	}
	f.repos[key] = repo
	writeJSON(w, http.StatusCreated, repo)
}

func (f *FakeGitea) createRepo(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MisrouteOwner != "" {
		username = f.MisrouteOwner
	}
	key := username + "/" + req.Name
	if _, ok := f.repos[key]; ok {
		writeJSON(w, http.StatusConflict, map[string]string{"message": "repository already exists"})
		return
	}

	owner := f.users[username]
	repo := fakeGiteaRepo{
		ID:            int64(len(f.repos) + 1),
		Name:          req.Name,
		FullName:      key,
		CloneURL:      f.srv.URL + "/" + key + ".git",
		HTMLURL:       f.srv.URL + "/" + key,
		DefaultBranch: "main",
		Empty:         true,
		Owner:         &owner,
	}
	f.repos[key] = repo
	writeJSON(w, http.StatusCreated, repo)
}

func (f *FakeGitea) getRepo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	repo, ok := f.repos[repoKey(r)]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (f *FakeGitea) deleteRepo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := repoKey(r)
	if _, ok := f.repos[key]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	delete(f.repos, key)
	w.WriteHeader(http.StatusNoContent)
}

// mirrorSync marks the repo non-empty, emulating content arriving from the
// upstream.
func (f *FakeGitea) mirrorSync(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := repoKey(r)
	repo, ok := f.repos[key]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	if !f.StalledSync {
		repo.Empty = false
		f.repos[key] = repo
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeGitea) contents(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	repo, ok := f.repos[repoKey(r)]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	if repo.Empty {
		// Gitea answers 409 for repos without commits.
		writeJSON(w, http.StatusConflict, map[string]string{"message": "empty repository"})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]string{{"name": "README.md"}})
}

func repoKey(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
}

// FakeGitHub serves the small slice of the GitHub API the server proxies.
type FakeGitHub struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	repos map[string]fakeGitHubRepo
}

type fakeGitHubRepo struct {
	ID          int64  `json:"id"`
	FullName    string `json:"full_name"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	CloneURL    string `json:"clone_url"`
	Description string `json:"description"`
	Stars       int    `json:"stargazers_count"`
	Language    string `json:"language"`
	Branch      string `json:"default_branch"`
	Readme      string `json:"-"`
}

// NewFakeGitHub starts a fake GitHub API server seeded with one repository.
func NewFakeGitHub(t *testing.T) *FakeGitHub {
	t.Helper()

	f := &FakeGitHub{t: t, repos: make(map[string]fakeGitHubRepo)}
	f.AddRepo("octocat", "Hello-World", "My first repository on GitHub!", "# Hello World\n")

	r := chi.NewRouter()
	r.Get("/search/repositories", f.search)
	r.Get("/repos/{owner}/{repo}", f.getRepo)
	r.Get("/repos/{owner}/{repo}/readme", f.readme)
	r.Get("/repos/{owner}/{repo}/languages", f.languages)

	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the fake server's base URL.
func (f *FakeGitHub) URL() string { return f.srv.URL }

// AddRepo registers a repository.
func (f *FakeGitHub) AddRepo(owner, name, description, readme string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	full := owner + "/" + name
	f.repos[full] = fakeGitHubRepo{
		ID:          int64(len(f.repos) + 1),
		FullName:    full,
		Name:        name,
		HTMLURL:     "https://github.com/" + full,
		CloneURL:    "https://github.com/" + full + ".git",
		Description: description,
		Stars:       42,
		Language:    "Go",
		Branch:      "main",
		Readme:      readme,
	}
}

func (f *FakeGitHub) search(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))

	f.mu.Lock()
	var items []fakeGitHubRepo
	for _, repo := range f.repos {
		if q == "" || strings.Contains(strings.ToLower(repo.FullName), q) ||
			strings.Contains(strings.ToLower(repo.Description), q) {
			items = append(items, repo)
		}
	}
	f.mu.Unlock()

	if items == nil {
		items = []fakeGitHubRepo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_count":        len(items),
		"incomplete_results": false,
		"items":              items,
	})
}

func (f *FakeGitHub) getRepo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	repo, ok := f.repos[repoKey(r)]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (f *FakeGitHub) readme(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	repo, ok := f.repos[repoKey(r)]
	f.mu.Unlock()

	if !ok || repo.Readme == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"content":  base64.StdEncoding.EncodeToString([]byte(repo.Readme)),
		"encoding": "base64",
	})
}

func (f *FakeGitHub) languages(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	_, ok := f.repos[repoKey(r)]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"Go": 12345, "Makefile": 200})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(fmt.Sprintf("encode fake response: %v", err))
	}
}
