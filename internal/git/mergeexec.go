package git

import (
	"errors"
	"fmt"
)

// ErrMergeConflict is returned when the dry-run tree merge finds
// conflicting changes.
var ErrMergeConflict = errors.New("branch has conflicts with base")

// ExecuteMerge merges branch into baseBranch without a checkout and
// returns the merge commit hash.
//
// The sequence is merge-tree --write-tree, commit-tree with both
// parents, update-ref on the base branch and finally deletion of the
// feature branch ref. Because no working directory is involved it is
// safe to run concurrently with other repository operations.
func (c *Client) ExecuteMerge(repoPath, branch, baseBranch string) (string, error) {
	if !c.BranchExists(repoPath, branch) {
		return "", fmt.Errorf("branch %s does not exist", branch)
	}
	if !c.BranchExists(repoPath, baseBranch) {
		return "", fmt.Errorf("base branch %s does not exist", baseBranch)
	}

	metadata, ok := c.MergeMetadata(repoPath, branch, baseBranch)
	if !ok {
		return "", fmt.Errorf("could not compute merge metadata for %s", branch)
	}
	if metadata.HasConflicts {
		return "", ErrMergeConflict
	}

	treeOid, err := c.Run(repoPath, "merge-tree", "--write-tree", baseBranch, branch)
	if err != nil {
		return "", fmt.Errorf("merge tree failed: %w", err)
	}

	baseCommit, err := c.Run(repoPath, "rev-parse", baseBranch)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", baseBranch, err)
	}
	branchCommit, err := c.Run(repoPath, "rev-parse", branch)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", branch, err)
	}

	message := fmt.Sprintf("Forge Merge: %s\n\nForge-Branch: %s\nForge-Head: %s\nForge-Merge: true",
		branch, branch, branchCommit)

	mergeCommit, err := c.Run(repoPath, "commit-tree", treeOid,
		"-p", baseCommit, "-p", branchCommit, "-m", message)
	if err != nil {
		return "", fmt.Errorf("commit tree failed: %w", err)
	}

	if _, err := c.Run(repoPath, "update-ref", "refs/heads/"+baseBranch, mergeCommit); err != nil {
		return "", fmt.Errorf("update ref failed: %w", err)
	}

	if _, err := c.Run(repoPath, "update-ref", "-d", "refs/heads/"+branch); err != nil {
		return "", fmt.Errorf("delete branch failed: %w", err)
	}

	return mergeCommit, nil
}
