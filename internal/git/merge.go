package git

import (
	"strconv"
	"strings"
)

// MergeMetadata describes a feature branch relative to the base branch.
type MergeMetadata struct {
	HeadCommit   string
	MergeBase    string
	AheadCount   int
	BehindCount  int
	HasConflicts bool
}

// MergeBase returns the merge base of two refs, or "" when none exists.
func (c *Client) MergeBase(repoPath, ref1, ref2 string) string {
	out, err := c.Run(repoPath, "merge-base", ref1, ref2)
	if err != nil {
		return ""
	}
	return out
}

// AheadBehind returns how many commits branch is ahead of and behind base.
func (c *Client) AheadBehind(repoPath, branch, base string) (ahead, behind int) {
	out, err := c.Run(repoPath, "rev-list", "--left-right", "--count", branch+"..."+base)
	if err != nil {
		return 0, 0
	}
	parts := strings.Fields(out)
	if len(parts) >= 1 {
		ahead, _ = strconv.Atoi(parts[0])
	}
	if len(parts) >= 2 {
		behind, _ = strconv.Atoi(parts[1])
	}
	return ahead, behind
}

// HasConflicts performs a dry-run tree merge of branch into base. It
// never touches a working directory.
func (c *Client) HasConflicts(repoPath, base, branch string) bool {
	_, err := c.Run(repoPath, "merge-tree", "--write-tree", base, branch)
	return err != nil
}

// MergeMetadata computes head commit, merge base, ahead/behind counts
// and a conflict flag for the branch against baseBranch. It returns
// false when the branch or its merge base cannot be resolved.
func (c *Client) MergeMetadata(repoPath, branch, baseBranch string) (MergeMetadata, bool) {
	head, err := c.Run(repoPath, "rev-parse", branch)
	if err != nil {
		return MergeMetadata{}, false
	}

	base := c.MergeBase(repoPath, branch, baseBranch)
	if base == "" {
		return MergeMetadata{}, false
	}

	ahead, behind := c.AheadBehind(repoPath, branch, baseBranch)

	return MergeMetadata{
		HeadCommit:   head,
		MergeBase:    base,
		AheadCount:   ahead,
		BehindCount:  behind,
		HasConflicts: c.HasConflicts(repoPath, baseBranch, branch),
	}, true
}
