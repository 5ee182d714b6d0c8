package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentbridge/internal/domain"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolveLocalFirst(t *testing.T) {
	root := t.TempDir()
	local, global := filepath.Join(root, "local"), filepath.Join(root, "global")
	want := touch(t, local, "routing.yaml")
	touch(t, global, "routing.yaml")

	got, err := New(local, global).Resolve("routing.yaml")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Path != want || got.Tier != TierLocal || got.Fallback {
		t.Errorf("got %+v", got)
	}
	if got.Notice() != "" {
		t.Errorf("local hit should have no notice, got %q", got.Notice())
	}
}

func TestResolveFallsBackToGlobal(t *testing.T) {
	root := t.TempDir()
	local, global := filepath.Join(root, "local"), filepath.Join(root, "global")
	want := touch(t, global, "config.yaml")

	got, err := New(local, global).Resolve("config.yaml")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Path != want || got.Tier != TierGlobal || !got.Fallback {
		t.Errorf("got %+v", got)
	}
	if !strings.Contains(got.Notice(), "using global copy") {
		t.Errorf("notice = %q", got.Notice())
	}
}

func TestResolveMissingEverywhere(t *testing.T) {
	root := t.TempDir()
	_, err := New(filepath.Join(root, "l"), filepath.Join(root, "g")).Resolve("config.yaml")
	if !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestResolveIgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "local")
	os.MkdirAll(filepath.Join(local, "config.yaml"), 0o755)
	_, err := New(local, filepath.Join(root, "g")).Resolve("config.yaml")
	if !errors.Is(err, domain.ErrFileNotFound) {
		t.Fatalf("a directory must not satisfy a file lookup, got %v", err)
	}
}

func TestRuntimeDir(t *testing.T) {
	root := t.TempDir()
	local, global := filepath.Join(root, "local"), filepath.Join(root, "global")
	r := New(local, global)

	got, err := r.RuntimeDir()
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != global || !got.Fallback {
		t.Errorf("expected global runtime dir, got %+v", got)
	}
	if _, err := os.Stat(global); err != nil {
		t.Errorf("global dir not created: %v", err)
	}

	os.MkdirAll(local, 0o755)
	got, _ = r.RuntimeDir()
	if got.Path != local || got.Fallback {
		t.Errorf("expected local runtime dir, got %+v", got)
	}
}

func TestMissing(t *testing.T) {
	root := t.TempDir()
	local := filepath.Join(root, "local")
	touch(t, local, "config.yaml")
	r := New(local, filepath.Join(root, "g"))
	got := r.Missing([]string{"config.yaml", "routing.yaml"})
	if len(got) != 1 || got[0] != "routing.yaml" {
		t.Errorf("Missing = %v", got)
	}
}
