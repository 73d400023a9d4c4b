package update

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

var versionCore = regexp.MustCompile(`\d+\.\d+\.\d+`)

// NormalizeVersion turns a release tag such as "v1.4.2" or "agentmgr-1.4.2-rc"
// into "1.4.2". Tags without an X.Y.Z core are returned trimmed, without a
// leading v; an empty tag yields "".
func NormalizeVersion(tag string) string {
	tag = strings.TrimSpace(tag)
	if len(tag) > 0 && (tag[0] == 'v' || tag[0] == 'V') {
		tag = strings.TrimSpace(tag[1:])
	}
	if m := versionCore.FindString(tag); m != "" {
		return m
	}
	return tag
}

func canonical(v string) string {
	v = NormalizeVersion(v)
	if v == "" {
		return ""
	}
	return semver.Canonical("v" + v)
}

// Compare orders two versions like semver.Compare; unparsable versions sort lowest.
func Compare(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

// IsNewer reports whether candidate is a strictly newer version than current.
func IsNewer(current, candidate string) bool {
	if canonical(candidate) == "" {
		return false
	}
	return Compare(candidate, current) > 0
}

// SortNewestFirst orders releases by version, newest first.
func SortNewestFirst(rs []Release) {
	sort.SliceStable(rs, func(i, j int) bool { return Compare(rs[i].Version, rs[j].Version) > 0 })
}
