package dispatcher

import "github.com/gitgenie/gitgenie/internal/jobs"

// ConcurrencyLimits defines max concurrent jobs per type.
// These can be made configurable via config.Config if needed.
var ConcurrencyLimits = map[jobs.JobType]int{
	jobs.JobTypeRepoSync:  3, // Mirror syncs are cheap Gitea-side, allow several
	jobs.JobTypeVMRestart: 1, // Restarts contend for the execution host
}

// DefaultConcurrencyLimit is used for job types not in ConcurrencyLimits.
const DefaultConcurrencyLimit = 1

// GetConcurrencyLimit returns the concurrency limit for a job type.
// Returns DefaultConcurrencyLimit if not explicitly configured.
func GetConcurrencyLimit(jobType jobs.JobType) int {
	if limit, ok := ConcurrencyLimits[jobType]; ok {
		return limit
	}
	return DefaultConcurrencyLimit
}
