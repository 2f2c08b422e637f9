package git

import (
	"regexp"
	"strings"
)

var trailerRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*?):\s*(.+)$`)

// CommitTrailers returns the trailing key: value block of a commit
// message as a map. An unreadable commit yields an empty map.
func (c *Client) CommitTrailers(repoPath, commit string) map[string]string {
	message, err := c.Run(repoPath, "show", "--format=%B", "--no-patch", commit)
	if err != nil {
		return map[string]string{}
	}
	return ParseTrailers(message)
}

// ParseTrailers extracts the trailing key: value block from a commit
// message. Scanning runs bottom-up: the block ends at the first blank
// line or non-trailer line above it.
func ParseTrailers(message string) map[string]string {
	trailers := map[string]string{}
	lines := strings.Split(message, "\n")

	inTrailers := false
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])

		if line == "" {
			if inTrailers {
				break
			}
			continue
		}

		if m := trailerRe.FindStringSubmatch(line); m != nil {
			inTrailers = true
			trailers[m[1]] = m[2]
		} else if inTrailers {
			break
		}
	}

	return trailers
}

// HasAutoMergeTrailer reports whether the commit opts into automatic
// merging. Both trailer spellings are accepted for compatibility.
func (c *Client) HasAutoMergeTrailer(repoPath, commit string) bool {
	trailers := c.CommitTrailers(repoPath, commit)
	return trailers["Auto-Merge"] == "yes" || trailers["Forge-Auto-Merge"] == "true"
}
