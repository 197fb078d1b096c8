package updater

import (
	"strconv"
	"strings"
)

// Version represents a parsed semantic version
type Version struct {
	Major int
	Minor int
	Patch int
	Raw   string
	dev   bool
}

// ParseVersion parses a version string like "1.2.3" or "v1.2.3".
// Anything that does not parse as a release version (empty, "dev",
// "dev-abc1234") is treated as a development build.
func ParseVersion(s string) Version {
	v := Version{Raw: s}

	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if trimmed == "" || strings.HasPrefix(trimmed, "dev") {
		v.dev = true
		return v
	}

	// Strip pre-release/build suffixes ("1.2.3-rc1", "1.2.3+abc")
	if i := strings.IndexAny(trimmed, "-+"); i >= 0 {
		trimmed = trimmed[:i]
	}

	parts := strings.Split(trimmed, ".")
	if len(parts) < 3 {
		v.dev = true
		return v
	}

	nums := make([]int, 3)
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			v.dev = true
			return v
		}
		nums[i] = n
	}

	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v
}

// IsDev reports whether this is a development build rather than a release
func (v Version) IsDev() bool {
	return v.dev
}

// IsOlderThan reports whether v is strictly older than other
func (v Version) IsOlderThan(other Version) bool {
	if v.dev || other.dev {
		return false
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}
