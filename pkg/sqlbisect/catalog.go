package sqlbisect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
)

// A ReleaseCatalog knows the published releases of the server under test and how to install them
type ReleaseCatalog interface {
	// ListReleases returns all published releases, ordered from oldest to newest
	ListReleases(ctx context.Context) ([]string, error)
	// Install makes the passed release runnable locally
	Install(ctx context.Context, release string) error
}

// TiupCatalog uses tiup to list and install TiDB releases
type TiupCatalog struct {
	Binary    string // The tiup binary. Defaults to "tiup"
	Component string // The component whose releases are listed. Defaults to "tidb"

	Fallback []string // Releases returned if tiup could not be queried. If empty, the error is returned instead
}

func (c TiupCatalog) binary() string {
	if c.Binary == "" {
		return "tiup"
	}
	return c.Binary
}

func (c TiupCatalog) component() string {
	if c.Component == "" {
		return "tidb"
	}
	return c.Component
}

func (c TiupCatalog) ListReleases(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.binary(), "list", c.component()).Output()
	if err != nil {
		if len(c.Fallback) != 0 {
			logrus.Warnf("Failed to list releases using %s, using %d fallback releases - %v", c.binary(), len(c.Fallback), err)
			return SortReleases(c.Fallback), nil
		}
		return nil, errors.Join(fmt.Errorf("failed to list releases of %s", c.component()), err)
	}

	return parseTiupList(string(out)), nil
}

func (c TiupCatalog) Install(ctx context.Context, release string) error {
	cmd := exec.CommandContext(ctx, c.binary(), "install", fmt.Sprintf("%s:%s", c.component(), release))
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Join(fmt.Errorf("installing %s:%s failed, output: %s", c.component(), release, out), err)
	}
	return nil
}

// parseTiupList extracts the stable releases from the output of `tiup list <component>`
func parseTiupList(out string) []string {
	var releases []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "v") {
			continue
		}
		version := fields[0]
		if strings.Trim(version, "v0123456789.") != "" || !semver.IsValid(version) {
			// Pre-releases, nightly builds and table decorations
			continue
		}
		releases = append(releases, version)
	}
	return SortReleases(releases)
}

// StaticCatalog is a fixed list of releases which are already installed
type StaticCatalog struct {
	Releases []string
}

func (c StaticCatalog) ListReleases(context.Context) ([]string, error) {
	return SortReleases(c.Releases), nil
}

func (c StaticCatalog) Install(context.Context, string) error {
	return nil
}

// SortReleases returns the valid, deduplicated releases ordered from oldest to newest by semantic version precedence
func SortReleases(releases []string) []string {
	seen := make(map[string]bool)
	sorted := []string{}
	for _, r := range releases {
		if !semver.IsValid(r) || seen[r] {
			continue
		}
		seen[r] = true
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return semver.Compare(sorted[i], sorted[j]) < 0
	})
	return sorted
}

// releasesBetween returns the releases r with start <= r <= end, ordered from oldest to newest
func releasesBetween(releases []string, start, end string) []string {
	between := []string{}
	for _, r := range SortReleases(releases) {
		if semver.Compare(r, start) >= 0 && semver.Compare(r, end) <= 0 {
			between = append(between, r)
		}
	}
	return between
}

// precedingRelease returns the newest release which is older than the passed one.
// The returned boolean is false if there is no such release.
func precedingRelease(releases []string, release string) (string, bool) {
	preceding := ""
	for _, r := range SortReleases(releases) {
		if semver.Compare(r, release) >= 0 {
			break
		}
		preceding = r
	}
	return preceding, preceding != ""
}

// nextRelease returns the oldest release which is newer than the passed one.
// The returned boolean is false if there is no such release.
func nextRelease(releases []string, release string) (string, bool) {
	for _, r := range SortReleases(releases) {
		if semver.Compare(r, release) > 0 {
			return r, true
		}
	}
	return "", false
}

// releaseFamily returns the major.minor of a release, e.g. 8.5 for v8.5.0
func releaseFamily(release string) (string, error) {
	if !semver.IsValid(release) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, release)
	}
	return strings.TrimPrefix(semver.MajorMinor(release), "v"), nil
}

// releaseBranch returns the name of the branch a release was cut from, e.g. release-8.5 for v8.5.0
func releaseBranch(release string) (string, error) {
	family, err := releaseFamily(release)
	if err != nil {
		return "", err
	}
	return "release-" + family, nil
}
