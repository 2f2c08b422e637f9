package git

import "strings"

// ListBranches returns all branch names in the repository.
func (c *Client) ListBranches(repoPath string) ([]string, error) {
	out, err := c.Run(repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ListFeatureBranches returns all branches except the given base branch.
func (c *Client) ListFeatureBranches(repoPath, baseBranch string) ([]string, error) {
	branches, err := c.ListBranches(repoPath)
	if err != nil {
		return nil, err
	}
	feature := branches[:0]
	for _, b := range branches {
		if b != baseBranch {
			feature = append(feature, b)
		}
	}
	return feature, nil
}

// HeadCommit resolves a ref to its commit hash.
func (c *Client) HeadCommit(repoPath, ref string) (string, error) {
	return c.Run(repoPath, "rev-parse", ref)
}

// BranchExists reports whether refs/heads/<branch> exists.
func (c *Client) BranchExists(repoPath, branch string) bool {
	_, err := c.Run(repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}
