package nhicard

import (
	"testing"

	"github.com/cliniops/nhi-agent/internal/config"
)

// withFiles swaps the existence probe for a fixed set of paths.
func withFiles(t *testing.T, paths ...string) {
	t.Helper()
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	orig := fileExists
	fileExists = func(path string) bool { return set[path] }
	t.Cleanup(func() { fileExists = orig })
}

func TestResolvePathPriority(t *testing.T) {
	explicit := `D:\explicit\CsHis50.dll`
	fromCfg := `D:\config\CsHis50.dll`
	fromEnv := `D:\env\CsHis50.dll`
	cfg := config.CardConfig{DLLPath: fromCfg}

	t.Setenv(EnvLibraryPath, fromEnv)

	tests := []struct {
		name       string
		explicit   string
		present    []string
		wantPath   string
		wantSource string
	}{
		{"explicit wins over everything", explicit,
			[]string{explicit, fromCfg, fromEnv, standardPaths[0]}, explicit, "explicit"},
		{"config wins over env", "",
			[]string{fromCfg, fromEnv, standardPaths[0]}, fromCfg, "config"},
		{"env wins over standard", "",
			[]string{fromEnv, standardPaths[0]}, fromEnv, "env"},
		{"standard locations in order", "",
			[]string{standardPaths[2], standardPaths[4]}, standardPaths[2], "standard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFiles(t, tt.present...)
			res := ResolvePath(tt.explicit, cfg)
			if !res.Exists {
				t.Fatal("expected an existing resolution")
			}
			if res.Path != tt.wantPath || res.Source != tt.wantSource {
				t.Errorf("got %q from %q, want %q from %q",
					res.Path, res.Source, tt.wantPath, tt.wantSource)
			}
		})
	}
}

func TestResolvePathMissing(t *testing.T) {
	t.Setenv(EnvLibraryPath, "")
	withFiles(t) // nothing exists

	res := ResolvePath("", config.CardConfig{})
	if res.Exists {
		t.Fatal("nothing should resolve")
	}
	if res.Source != "missing" || res.Path != standardPaths[0] {
		t.Errorf("got %q from %q", res.Path, res.Source)
	}
}

func TestBindRefusesMissing(t *testing.T) {
	_, err := Bind(Resolution{Path: `C:\nowhere.dll`, Source: "missing"})
	ce := AsCardError(err)
	if err == nil || ce.Kind != KindConfigurationAbsent {
		t.Fatalf("expected configuration-absent, got %v", err)
	}
}

func TestIsManagedComponent(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{`C:\NHI\LIB\NhiCard.dll`, true},
		{`C:\NHI\LIB\nhicard.dll`, true},
		{`C:/NHI/LIB/NhiCard.dll`, true},
		{`NhiCard.dll`, true},
		{`C:\NHI\LIB\CsHis50.dll`, false},
		{`C:\NHI\LIB\CSHIS.dll`, false},
		{`C:\NHI\LIB\NotNhiCard.dll`, false},
	}
	for _, tt := range tests {
		if got := isManagedComponent(tt.path); got != tt.want {
			t.Errorf("isManagedComponent(%q) = %v", tt.path, got)
		}
	}
}

func TestLibraryCleanupSwallowsFailures(t *testing.T) {
	api := &fakeAPI{closeCode: 5001}
	lib := &Library{API: api, Caps: Caps{CloseCom: true}}
	lib.CloseSession() // must not panic on a vendor failure code
	if api.closeCalls != 1 {
		t.Errorf("close calls = %d", api.closeCalls)
	}

	lib.Release()
	if api.closeCalls != 2 {
		t.Errorf("close calls after release = %d", api.closeCalls)
	}

	var nilLib *Library
	nilLib.CloseSession()
	nilLib.Release()
}
