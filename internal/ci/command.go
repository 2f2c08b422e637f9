package ci

import (
	"os/exec"
	"regexp"
	"runtime"
	"strings"
)

// Command is a resolved CI entry point. Label is what gets written to
// the job log.
type Command struct {
	Name  string
	Args  []string
	Label string
}

// Argv returns the command as a single argument vector.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// PreMergeCommand resolves the CI command for a checkout. A just
// recipe wins over the nix flake app; the nix fallback is used
// unconditionally, so a repo with neither fails at execution time with
// nix's own error in the log.
func PreMergeCommand(dir string) Command {
	if justRecipeExists(dir, "pre-merge") {
		return Command{Name: "just", Args: []string{"pre-merge"}, Label: "just pre-merge"}
	}
	return Command{Name: "nix", Args: []string{"run", ".#pre-merge"}, Label: "nix run .#pre-merge"}
}

// PostMergeCommand resolves the post-merge command. Unlike pre-merge
// there is no unconditional fallback: the flake app is probed first,
// and a repo with neither recipe nor app has no post-merge step.
func PostMergeCommand(dir string) (Command, bool) {
	if justRecipeExists(dir, "post-merge") {
		return Command{Name: "just", Args: []string{"post-merge"}, Label: "just post-merge"}, true
	}
	if flakeAppExists(dir, "post-merge") {
		return Command{Name: "nix", Args: []string{"run", ".#post-merge"}, Label: "nix run .#post-merge"}, true
	}
	return Command{}, false
}

var justRecipeRe = regexp.MustCompile(`^\s*([A-Za-z0-9_.-]+)`)

// hasJustRecipe scans `just --list` output for a recipe name. Only the
// first token on each line counts; parameters and doc comments after
// it are ignored.
func hasJustRecipe(listOutput, recipe string) bool {
	for _, line := range strings.Split(listOutput, "\n") {
		if m := justRecipeRe.FindStringSubmatch(line); m != nil && m[1] == recipe {
			return true
		}
	}
	return false
}

func justRecipeExists(dir, recipe string) bool {
	cmd := exec.Command("just", "--list")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return hasJustRecipe(string(out), recipe)
}

// nixSystem maps the Go platform onto nix's system naming.
func nixSystem() string {
	arch := runtime.GOARCH
	switch arch {
	case "arm64":
		arch = "aarch64"
	case "amd64":
		arch = "x86_64"
	case "386":
		arch = "i686"
	}
	return arch + "-" + runtime.GOOS
}

// flakeAppExists probes the flake for an app output on the current
// system.
func flakeAppExists(dir, app string) bool {
	cmd := exec.Command("nix", "eval", "--json", ".#apps."+nixSystem()+"."+app)
	cmd.Dir = dir
	return cmd.Run() == nil
}
