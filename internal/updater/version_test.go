package updater

import "testing"

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in                  string
		major, minor, patch int
		dev                 bool
	}{
		{"1.2.3", 1, 2, 3, false},
		{"v1.2.3", 1, 2, 3, false},
		{"v1.2.3-rc1", 1, 2, 3, false},
		{"", 0, 0, 0, true},
		{"dev", 0, 0, 0, true},
		{"dev-abc1234", 0, 0, 0, true},
		{"1.2", 0, 0, 0, true},
		{"banana", 0, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := ParseVersion(tt.in)
			if v.IsDev() != tt.dev {
				t.Errorf("ParseVersion(%q).IsDev() = %v, want %v", tt.in, v.IsDev(), tt.dev)
			}
			if v.Major != tt.major || v.Minor != tt.minor || v.Patch != tt.patch {
				t.Errorf("ParseVersion(%q) = %d.%d.%d, want %d.%d.%d",
					tt.in, v.Major, v.Minor, v.Patch, tt.major, tt.minor, tt.patch)
			}
		})
	}
}

func TestVersionIsOlderThan(t *testing.T) {
	tests := []struct {
		a, b  string
		older bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.0.0", "1.1.0", true},
		{"1.9.9", "2.0.0", true},
		{"1.0.1", "1.0.0", false},
		{"1.0.0", "1.0.0", false},
		{"dev", "9.9.9", false},
		{"1.0.0", "dev", false},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			got := ParseVersion(tt.a).IsOlderThan(ParseVersion(tt.b))
			if got != tt.older {
				t.Errorf("%q older than %q = %v, want %v", tt.a, tt.b, got, tt.older)
			}
		})
	}
}
