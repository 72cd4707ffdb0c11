// Package jobs defines the background job payloads and the enqueue helper.
package jobs

// JobType identifies a background job kind.
type JobType string

const (
	JobTypeRepoSync  JobType = "repo_sync"
	JobTypeVMRestart JobType = "vm_restart"
)

// JobPayload is implemented by all job payloads. The struct itself is
// JSON-marshaled into the job row.
type JobPayload interface {
	JobType() JobType
	// ResourceKey dedupes jobs: at most one pending or running job may
	// exist per (type, id) pair.
	ResourceKey() (resourceType string, resourceID string)
}

// Prioritized lets a payload override the default queue priority.
type Prioritized interface {
	Priority() int
}

// RepoSyncPayload refreshes a project's Gitea mirror from its GitHub source.
type RepoSyncPayload struct {
	ProjectID string `json:"projectId"`
}

func (p RepoSyncPayload) JobType() JobType              { return JobTypeRepoSync }
func (p RepoSyncPayload) ResourceKey() (string, string) { return ResourceTypeProject, p.ProjectID }

// VMRestartPayload relaunches a project on the execution host, typically
// after the code agent changed files.
type VMRestartPayload struct {
	ProjectID string `json:"projectId"`
}

func (p VMRestartPayload) JobType() JobType              { return JobTypeVMRestart }
func (p VMRestartPayload) ResourceKey() (string, string) { return ResourceTypeProject, p.ProjectID }

// Restarts jump the queue so an edit's effect is visible quickly.
func (p VMRestartPayload) Priority() int { return 20 }
