package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseTrailers(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    map[string]string
	}{
		{
			name:    "no trailers",
			message: "Fix the bug\n\nLonger description here.",
			want:    map[string]string{},
		},
		{
			name:    "single trailer",
			message: "Fix the bug\n\nForge-Auto-Merge: true",
			want:    map[string]string{"Forge-Auto-Merge": "true"},
		},
		{
			name:    "trailer block with multiple keys",
			message: "Add feature\n\nSome body text.\n\nAuto-Merge: yes\nSigned-off-by: dev <dev@example.com>",
			want: map[string]string{
				"Auto-Merge":    "yes",
				"Signed-off-by": "dev <dev@example.com>",
			},
		},
		{
			name:    "body line above block is excluded",
			message: "Subject\n\nnot a trailer line\nAuto-Merge: yes",
			want:    map[string]string{"Auto-Merge": "yes"},
		},
		{
			name:    "empty message",
			message: "",
			want:    map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTrailers(tt.message)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseTrailers() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("trailer %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

// repoFixture builds a bare repository with a master branch and returns
// the client, the bare repo path and a working clone for making commits.
type repoFixture struct {
	client   *Client
	repoPath string
	workPath string
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func newRepoFixture(t *testing.T) *repoFixture {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dataDir := t.TempDir()
	repoPath := filepath.Join(dataDir, "repos", "test.git")
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		t.Fatal(err)
	}
	runGit(t, repoPath, "init", "--bare", "--initial-branch=master", ".")

	workPath := filepath.Join(dataDir, "work")
	runGit(t, dataDir, "-c", "init.defaultBranch=master", "clone", repoPath, workPath)

	f := &repoFixture{
		client:   NewClient(dataDir),
		repoPath: repoPath,
		workPath: workPath,
	}
	f.commitFile(t, "README.md", "hello\n", "initial commit")
	runGit(t, workPath, "push", "origin", "master")
	return f
}

func (f *repoFixture) commitFile(t *testing.T, name, content, message string) string {
	t.Helper()

	if err := os.WriteFile(filepath.Join(f.workPath, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, f.workPath, "add", name)
	runGit(t, f.workPath, "commit", "-m", message)
	return runGit(t, f.workPath, "rev-parse", "HEAD")
}

// pushBranch creates a feature branch from master with one commit and
// pushes it to the bare repo.
func (f *repoFixture) pushBranch(t *testing.T, branch, file, content, message string) string {
	t.Helper()

	runGit(t, f.workPath, "checkout", "-b", branch, "master")
	commit := f.commitFile(t, file, content, message)
	runGit(t, f.workPath, "push", "origin", branch)
	runGit(t, f.workPath, "checkout", "master")
	return commit
}

func TestBranchHelpers(t *testing.T) {
	f := newRepoFixture(t)
	f.pushBranch(t, "feature-1", "f.txt", "feature\n", "add feature")

	if !f.client.BranchExists(f.repoPath, "master") {
		t.Error("master branch should exist")
	}
	if !f.client.BranchExists(f.repoPath, "feature-1") {
		t.Error("feature-1 branch should exist")
	}
	if f.client.BranchExists(f.repoPath, "nope") {
		t.Error("nonexistent branch reported as existing")
	}

	branches, err := f.client.ListBranches(f.repoPath)
	if err != nil {
		t.Fatalf("ListBranches() error = %v", err)
	}
	if len(branches) != 2 {
		t.Errorf("ListBranches() = %v, want 2 branches", branches)
	}

	feature, err := f.client.ListFeatureBranches(f.repoPath, "master")
	if err != nil {
		t.Fatalf("ListFeatureBranches() error = %v", err)
	}
	if len(feature) != 1 || feature[0] != "feature-1" {
		t.Errorf("ListFeatureBranches() = %v, want [feature-1]", feature)
	}

	if _, err := f.client.HeadCommit(f.repoPath, "feature-1"); err != nil {
		t.Errorf("HeadCommit() error = %v", err)
	}
}

func TestHasAutoMergeTrailer(t *testing.T) {
	f := newRepoFixture(t)

	plain := f.pushBranch(t, "plain", "a.txt", "a\n", "no trailer here")
	optIn := f.pushBranch(t, "opt-in", "b.txt", "b\n", "merge me\n\nForge-Auto-Merge: true")
	legacy := f.pushBranch(t, "legacy", "c.txt", "c\n", "merge me\n\nAuto-Merge: yes")

	if f.client.HasAutoMergeTrailer(f.repoPath, plain) {
		t.Error("commit without trailer reported opt-in")
	}
	if !f.client.HasAutoMergeTrailer(f.repoPath, optIn) {
		t.Error("Forge-Auto-Merge: true not detected")
	}
	if !f.client.HasAutoMergeTrailer(f.repoPath, legacy) {
		t.Error("Auto-Merge: yes not detected")
	}
}

func TestMergeMetadata(t *testing.T) {
	f := newRepoFixture(t)
	head := f.pushBranch(t, "feature-1", "f.txt", "feature\n", "add feature")

	metadata, ok := f.client.MergeMetadata(f.repoPath, "feature-1", "master")
	if !ok {
		t.Fatal("MergeMetadata() failed")
	}
	if metadata.HeadCommit != head {
		t.Errorf("HeadCommit = %s, want %s", metadata.HeadCommit, head)
	}
	if metadata.AheadCount != 1 || metadata.BehindCount != 0 {
		t.Errorf("ahead/behind = %d/%d, want 1/0", metadata.AheadCount, metadata.BehindCount)
	}
	if metadata.HasConflicts {
		t.Error("non-overlapping change reported as conflicting")
	}

	if _, ok := f.client.MergeMetadata(f.repoPath, "missing", "master"); ok {
		t.Error("MergeMetadata() on missing branch should fail")
	}
}

func TestExecuteMerge(t *testing.T) {
	f := newRepoFixture(t)
	head := f.pushBranch(t, "feature-1", "f.txt", "feature\n", "add feature")

	mergeCommit, err := f.client.ExecuteMerge(f.repoPath, "feature-1", "master")
	if err != nil {
		t.Fatalf("ExecuteMerge() error = %v", err)
	}

	// master now points at the merge commit.
	masterHead, err := f.client.HeadCommit(f.repoPath, "master")
	if err != nil {
		t.Fatal(err)
	}
	if masterHead != mergeCommit {
		t.Errorf("master = %s, want merge commit %s", masterHead, mergeCommit)
	}

	// The merge commit has two parents, the second being the branch head.
	parents, err := f.client.Run(f.repoPath, "rev-list", "--parents", "-n", "1", mergeCommit)
	if err != nil {
		t.Fatal(err)
	}
	fields := strings.Fields(parents)
	if len(fields) != 3 {
		t.Fatalf("merge commit has %d parents, want 2", len(fields)-1)
	}
	if fields[2] != head {
		t.Errorf("second parent = %s, want branch head %s", fields[2], head)
	}

	// The feature branch ref is gone.
	if f.client.BranchExists(f.repoPath, "feature-1") {
		t.Error("feature branch still exists after merge")
	}

	// The merge commit message carries the forge trailers.
	message, err := f.client.Run(f.repoPath, "show", "--format=%B", "--no-patch", mergeCommit)
	if err != nil {
		t.Fatal(err)
	}
	trailers := ParseTrailers(message)
	if trailers["Forge-Merge"] != "true" || trailers["Forge-Branch"] != "feature-1" {
		t.Errorf("merge commit trailers = %v", trailers)
	}
}

func TestExecuteMerge_Conflict(t *testing.T) {
	f := newRepoFixture(t)

	f.pushBranch(t, "feature-1", "README.md", "feature version\n", "conflicting change")
	f.commitFile(t, "README.md", "master version\n", "master change")
	runGit(t, f.workPath, "push", "origin", "master")

	if !f.client.HasConflicts(f.repoPath, "master", "feature-1") {
		t.Fatal("overlapping change not reported as conflicting")
	}

	_, err := f.client.ExecuteMerge(f.repoPath, "feature-1", "master")
	if !errors.Is(err, ErrMergeConflict) {
		t.Errorf("ExecuteMerge() error = %v, want ErrMergeConflict", err)
	}

	// Nothing was modified.
	if !f.client.BranchExists(f.repoPath, "feature-1") {
		t.Error("feature branch deleted despite conflict")
	}
}

func TestExecuteMerge_MissingBranch(t *testing.T) {
	f := newRepoFixture(t)

	if _, err := f.client.ExecuteMerge(f.repoPath, "missing", "master"); err == nil {
		t.Error("ExecuteMerge() on missing branch should fail")
	}
}
