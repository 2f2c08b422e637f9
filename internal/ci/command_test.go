package ci

import (
	"strings"
	"testing"
)

func TestCommandArgv(t *testing.T) {
	cmd := Command{Name: "nix", Args: []string{"run", ".#pre-merge"}}
	argv := cmd.Argv()
	if len(argv) != 3 || argv[0] != "nix" || argv[2] != ".#pre-merge" {
		t.Errorf("Argv() = %v", argv)
	}
}

func TestHasJustRecipe(t *testing.T) {
	listOutput := `Available recipes:
    build         # compile everything
    pre-merge     # run the CI suite
    deploy target # push a release
`

	tests := []struct {
		recipe string
		want   bool
	}{
		{"pre-merge", true},
		{"build", true},
		{"deploy", true},
		{"post-merge", false},
		{"merge", false},
		{"pre", false},
	}

	for _, tt := range tests {
		if got := hasJustRecipe(listOutput, tt.recipe); got != tt.want {
			t.Errorf("hasJustRecipe(%q) = %v, want %v", tt.recipe, got, tt.want)
		}
	}

	if hasJustRecipe("", "pre-merge") {
		t.Error("empty output matched a recipe")
	}
}

func TestNixSystem(t *testing.T) {
	system := nixSystem()
	parts := strings.Split(system, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		t.Errorf("nixSystem() = %q", system)
	}
	// Go arch names never leak through for the common platforms.
	if parts[0] == "amd64" || parts[0] == "arm64" || parts[0] == "386" {
		t.Errorf("unmapped arch in %q", system)
	}
}

func TestPreMergeCommand_NixFallback(t *testing.T) {
	// An empty directory has no just recipe, so the nix fallback is
	// used unconditionally.
	cmd := PreMergeCommand(t.TempDir())
	if cmd.Name == "just" {
		t.Skip("a justfile with a pre-merge recipe is visible from the temp dir")
	}
	if cmd.Name != "nix" || cmd.Label != "nix run .#pre-merge" {
		t.Errorf("PreMergeCommand() = %+v", cmd)
	}
}
