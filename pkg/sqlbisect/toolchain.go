package sqlbisect

import (
	"strings"

	"golang.org/x/mod/semver"
)

// A ToolchainTable maps the major.minor of a release to the Go toolchain required to build it
type ToolchainTable map[string]string

// DefaultToolchains are the toolchains known to build the TiDB release branches
var DefaultToolchains = ToolchainTable{
	"4.0": "go1.13.15",
	"5.0": "go1.16.15",
	"5.1": "go1.16.15",
	"5.2": "go1.16.15",
	"5.3": "go1.16.15",
	"5.4": "go1.16.15",
	"6.0": "go1.18.10",
	"6.1": "go1.18.10",
	"6.5": "go1.19.13",
	"7.1": "go1.20.14",
	"7.5": "go1.21.13",
	"8.1": "go1.21.13",
	"8.5": "go1.23.12",
}

// Resolve returns the toolchain pinned for the passed release family.
// If the family is unknown, the toolchain of the newest known family is returned together with false.
// If the table is empty, an empty string is returned.
func (t ToolchainTable) Resolve(family string) (string, bool) {
	if toolchain, ok := t[family]; ok {
		return toolchain, true
	}
	return t.newest(), false
}

// newest returns the toolchain of the newest family in the table
func (t ToolchainTable) newest() string {
	newestFamily := ""
	for family := range t {
		if newestFamily == "" || semver.Compare("v"+family, "v"+newestFamily) > 0 {
			newestFamily = family
		}
	}
	return t[newestFamily]
}

// Clone returns a copy of the table
func (t ToolchainTable) Clone() ToolchainTable {
	clone := make(ToolchainTable, len(t))
	for family, toolchain := range t {
		clone[strings.TrimSpace(family)] = toolchain
	}
	return clone
}
