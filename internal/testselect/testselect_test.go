package testselect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/LINBIT/fastfstests/internal/config"
	"github.com/LINBIT/fastfstests/pkg/runner"
)

// newFixture lays out a minimal fstests tree:
//
//	tests/generic/001, tests/generic/002, tests/btrfs/001
//	tests/generic/group.list: "001 quick auto" / "002 slow"
//	tests/btrfs/group.list:   "001 quick"
func newFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testsDir := filepath.Join(root, "tests")

	for _, dir := range []string{"generic", "btrfs"} {
		if err := os.MkdirAll(filepath.Join(testsDir, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"generic/001", "generic/002", "btrfs/001"} {
		if err := os.WriteFile(filepath.Join(testsDir, name), []byte("#!/bin/bash\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	writeFile(t, filepath.Join(testsDir, "generic", "group.list"), "001 quick auto\n002 slow\n")
	writeFile(t, filepath.Join(testsDir, "btrfs", "group.list"), "001 quick\n")

	return root
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCollectExpandsPositionalGlob(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests

	tests, err := Collect(cfg, []string{"generic/*"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2: %+v", len(tests), names(tests))
	}
}

func TestCollectByGroupAcrossDirs(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests
	cfg.Groups = []string{"quick"}

	tests, err := Collect(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := names(tests)
	want := map[string]bool{"generic/001": true, "btrfs/001": true}
	if len(got) != 2 {
		t.Fatalf("got %v, want exactly generic/001 and btrfs/001", got)
	}
	for _, n := range got {
		if !want[n] {
			t.Fatalf("unexpected test %s in %v", n, got)
		}
	}
}

func TestCollectByScopedGroup(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests
	cfg.Groups = []string{"generic/slow"}

	tests, err := Collect(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(tests); len(got) != 1 || got[0] != "generic/002" {
		t.Fatalf("got %v, want [generic/002]", got)
	}
}

func TestCollectExcludesGroup(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests
	cfg.Groups = []string{"quick"}
	cfg.ExcludeGroups = []string{"btrfs/quick"}

	tests, err := Collect(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(tests); len(got) != 1 || got[0] != "generic/001" {
		t.Fatalf("got %v, want [generic/001]", got)
	}
}

func TestCollectFiltersByFileSystem(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests
	cfg.Groups = []string{"quick"}
	cfg.FileSystem = "btrfs"

	tests, err := Collect(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := names(tests); len(got) != 1 || got[0] != "btrfs/001" {
		t.Fatalf("got %v, want [btrfs/001]", got)
	}
}

func TestCollectReverseSortedWhenNotRandomized(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests

	tests, err := Collect(cfg, []string{"generic/*", "btrfs/*"})
	if err != nil {
		t.Fatal(err)
	}
	got := names(tests)
	for i := 1; i < len(got); i++ {
		if got[i-1] < got[i] {
			t.Fatalf("expected reverse-sorted order, got %v", got)
		}
	}
}

func TestCollectIterateRepeatsEachTest(t *testing.T) {
	fstests := newFixture(t)
	cfg := config.Defaults()
	cfg.Fstests = fstests
	cfg.Iterate = 3

	tests, err := Collect(cfg, []string{"generic/001"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tests) != 3 {
		t.Fatalf("got %d tests, want 3", len(tests))
	}
}

func names(tests []*runner.Test) []string {
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = t.Name
	}
	return out
}
