package ci

import (
	"context"
	"time"

	"forge/internal/store"
)

// AutoMergeResult reports what the auto-merge trigger did. Attempted
// is false when a precondition ruled the merge out, which is the
// normal case and not an error.
type AutoMergeResult struct {
	Attempted   bool
	Success     bool
	MergeCommit string
	Reason      string
}

// TryAutoMerge merges a feature branch into the default branch after a
// passed CI run, if the head commit opted in via trailer. The
// precondition chain is ordered cheapest first; only failures past the
// metadata stage count as attempted merges.
func (s *Supervisor) TryAutoMerge(ctx context.Context, repo, branch, headCommit string, status store.JobStatus) AutoMergeResult {
	if status != store.StatusPassed {
		return AutoMergeResult{Reason: "ci not passed"}
	}

	repoPath := s.cfg.RepoPath(repo)

	if !s.git.HasAutoMergeTrailer(repoPath, headCommit) {
		return AutoMergeResult{Reason: "no auto-merge trailer"}
	}

	// The branch may have been deleted or force-pushed away while CI
	// ran.
	if !s.git.BranchExists(repoPath, branch) {
		return AutoMergeResult{Reason: "branch no longer exists"}
	}

	metadata, ok := s.git.MergeMetadata(repoPath, branch, s.cfg.DefaultBranch)
	if !ok {
		s.metrics.AutoMerge("failed")
		return AutoMergeResult{Attempted: true, Reason: "could not compute merge metadata"}
	}
	if metadata.HasConflicts {
		s.metrics.AutoMerge("conflict")
		return AutoMergeResult{Attempted: true, Reason: "branch has conflicts"}
	}

	s.log.Info("auto-merging", "repo", repo, "branch", branch)

	mergeCommit, err := s.git.ExecuteMerge(repoPath, branch, s.cfg.DefaultBranch)
	if err != nil {
		s.metrics.AutoMerge("failed")
		return AutoMergeResult{Attempted: true, Reason: err.Error()}
	}

	if err := s.history.InsertMergeHistory(ctx, store.MergeHistoryEntry{
		Repo:        repo,
		Branch:      branch,
		HeadCommit:  headCommit,
		MergeCommit: mergeCommit,
		MergedAt:    time.Now(),
		CIStatus:    string(status),
	}); err != nil {
		// The merge itself landed; losing the audit row is not worth
		// failing the result over, but it must be visible.
		s.log.Error("failed to record merge history", "repo", repo, "branch", branch, "error", err)
	}

	s.metrics.AutoMerge("success")

	// Fire and forget: the post-merge job's outcome does not affect
	// the merge.
	go func() {
		if err := s.RunPostMerge(context.Background(), repo, mergeCommit); err != nil {
			s.log.Error("post-merge job after auto-merge failed",
				"repo", repo, "merge_commit", mergeCommit, "error", err)
		}
	}()

	return AutoMergeResult{Attempted: true, Success: true, MergeCommit: mergeCommit}
}
