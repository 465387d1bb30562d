// Package testselect expands glob patterns, group membership, and
// exclude lists under an fstests checkout into the concrete, ordered
// list of runner.Test handles a run schedules.
package testselect

import (
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/LINBIT/fastfstests/internal/config"
	"github.com/LINBIT/fastfstests/pkg/runner"
)

// Collect resolves cfg's group/test selection options plus any
// positional test names into the final ordered []*runner.Test list:
// include, exclude, filter, iterate, then order.
func Collect(cfg config.Config, positional []string) ([]*runner.Test, error) {
	selected := make(map[string]struct{})

	for _, pattern := range positional {
		names, err := expandTest(cfg.Fstests, pattern)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			selected[n] = struct{}{}
		}
	}
	for _, group := range cfg.Groups {
		names, err := testsForGroup(cfg.Fstests, group)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			selected[n] = struct{}{}
		}
	}

	for _, pattern := range cfg.Exclude {
		names, err := expandTest(cfg.Fstests, pattern)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			delete(selected, n)
		}
	}
	if cfg.ExcludeFile != "" {
		names, err := parseExcludeFile(cfg.ExcludeFile)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			delete(selected, n)
		}
	}
	for _, group := range cfg.ExcludeGroups {
		names, err := testsForGroup(cfg.Fstests, group)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			delete(selected, n)
		}
	}

	names := make([]string, 0, len(selected))
	for n := range selected {
		names = append(names, n)
	}

	if cfg.FileSystem != "" {
		before := len(names)
		names = filterByFileSystem(names, cfg.FileSystem)
		if len(names) == 0 && before > 0 {
			log.Warnf("no tests match your specified file system: %s", cfg.FileSystem)
		}
	}

	if cfg.Iterate < 1 {
		return nil, fmt.Errorf("test_selection iterate value must be greater than or equal to 1, got %d", cfg.Iterate)
	}
	if cfg.Iterate > 1 {
		repeated := make([]string, 0, len(names)*cfg.Iterate)
		for _, n := range names {
			for i := 0; i < cfg.Iterate; i++ {
				repeated = append(repeated, n)
			}
		}
		names = repeated
	}

	if cfg.Randomize {
		rand.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	} else {
		// Reverse-sorted, so that the runner's pop-from-end queue
		// dispatches in alphabetical order.
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	tests := make([]*runner.Test, len(names))
	for i, n := range names {
		tests[i] = runner.NewTest(n, checkCommand(cfg, n), []string{artifactGlob(n)})
	}
	return tests, nil
}

// checkCommand builds the in-VM command for one test. It is relative to
// the fstests checkout; each Supervisor prefixes its own working
// directory (the checkout baked into the image, or a --vms PATH).
func checkCommand(cfg config.Config, name string) string {
	parts := []string{"./check"}
	if cfg.Section != "" {
		parts = append(parts, "-s", cfg.Section)
	}
	if cfg.ExcludeSection != "" {
		parts = append(parts, "-S", cfg.ExcludeSection)
	}
	parts = append(parts, name)
	return strings.Join(parts, " ")
}

// artifactGlob is likewise relative to the checkout the test ran in.
func artifactGlob(name string) string {
	return filepath.Join("results", "*", name+"*")
}

// expandTest globs fstests/tests/<pattern>, keeping only entries whose
// base name is purely numeric (a concrete test, not a group directory),
// and returns them relative to the tests/ directory.
func expandTest(fstests, pattern string) ([]string, error) {
	testsDir := filepath.Join(fstests, "tests")
	matches, err := filepath.Glob(filepath.Join(testsDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("expand test pattern %s: %w", pattern, err)
	}

	var out []string
	for _, m := range matches {
		if _, err := strconv.Atoi(filepath.Base(m)); err != nil {
			continue
		}
		rel, err := filepath.Rel(testsDir, m)
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

func parseExcludeFile(path string) ([]string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("exclude tests file not found: %s", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read exclude file %s: %w", path, err)
	}

	var out []string
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

// testsForGroup resolves a group name (optionally "test_dir/group") into
// the member test names it selects across one or every test directory.
func testsForGroup(fstests, group string) ([]string, error) {
	testsDir := filepath.Join(fstests, "tests")

	if strings.Contains(group, "/") {
		parts := strings.SplitN(group, "/", 2)
		return testsFromDir(filepath.Join(testsDir, parts[0]), parts[1])
	}

	entries, err := os.ReadDir(testsDir)
	if err != nil {
		return nil, fmt.Errorf("read tests dir %s: %w", testsDir, err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names, err := testsFromDir(filepath.Join(testsDir, e.Name()), group)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// testsFromDir reads testDir's group file and returns
// "<testDir base>/<test>" for every member of group (or every test,
// when group is "all").
func testsFromDir(testDir, group string) ([]string, error) {
	contents := mkGroupFile(testDir)
	base := filepath.Base(testDir)

	var out []string
	for _, line := range strings.Split(contents, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		testName, groups := fields[0], fields[1:]

		if group == "all" || containsString(groups, group) {
			out = append(out, base+"/"+testName)
		}
	}
	return out, nil
}

// mkGroupFile runs the fstests tree's own mkgroupfile tool, falling back
// to a static group.list file when that subprocess is unavailable or
// fails.
func mkGroupFile(testDir string) string {
	cmd := exec.Command(filepath.Join("..", "..", "tools", "mkgroupfile"))
	cmd.Dir = testDir
	if out, err := cmd.Output(); err == nil {
		return string(out)
	} else {
		log.Warnf("mkgroupfile in %s failed: %v", testDir, err)
	}

	contents, err := os.ReadFile(filepath.Join(testDir, "group.list"))
	if err != nil {
		log.Warnf("could not find group.list in %s: %v", testDir, err)
		return ""
	}
	return string(contents)
}

func filterByFileSystem(names []string, fs string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.Contains(n, fs) || strings.Contains(n, "generic") {
			out = append(out, n)
		}
	}
	return out
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
