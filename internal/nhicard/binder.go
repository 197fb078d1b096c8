package nhicard

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cliniops/nhi-agent/internal/config"
	"github.com/cliniops/nhi-agent/internal/logging"
)

// Standard NHI install locations, checked in order. Casing variants are
// deliberate: depending on the installer vintage the file ships as any of
// these names and some filesystems care.
var standardPaths = []string{
	`C:\NHI\LIB\CsHis50.dll`,
	`C:\NHI\LIB\csHis50.dll`,
	`C:\NHI\LIB\CSHIS.dll`,
	`C:\Program Files\NHI\LIB\CsHis50.dll`,
	`C:\Program Files (x86)\NHI\LIB\CsHis50.dll`,
}

// Bundled fallback filenames inside the application-local drivers folder,
// in priority order.
var bundledNames = []string{"CsHis50.dll", "NhiCard.dll"}

// EnvLibraryPath is the environment variable that may override the native
// library location. Read once at bind time.
const EnvLibraryPath = "NHI_CARD_DLL_PATH"

// automationProgID is the COM class exposed by the GNT managed component.
const automationProgID = "NhiCard.Patient"

// Resolution is the outcome of the library search.
type Resolution struct {
	Path   string
	Source string // explicit | config | env | standard | bundled | missing
	Exists bool
}

// fileExists is swapped out by tests to simulate install layouts.
var fileExists = func(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ResolvePath finds the native library, trying sources in strict priority
// order and stopping at the first that names an existing file. When nothing
// exists it still returns the first standard path so the bind that follows
// fails with an informative file-not-found instead of a nil target.
func ResolvePath(explicit string, cfg config.CardConfig) Resolution {
	if fileExists(explicit) {
		return Resolution{Path: explicit, Source: "explicit", Exists: true}
	}
	if fileExists(cfg.DLLPath) {
		return Resolution{Path: cfg.DLLPath, Source: "config", Exists: true}
	}
	if env := os.Getenv(EnvLibraryPath); fileExists(env) {
		return Resolution{Path: env, Source: "env", Exists: true}
	}
	for _, p := range standardPaths {
		if fileExists(p) {
			return Resolution{Path: p, Source: "standard", Exists: true}
		}
	}
	dir := config.BundledDriverDir()
	for _, name := range bundledNames {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return Resolution{Path: p, Source: "bundled", Exists: true}
		}
	}
	return Resolution{Path: standardPaths[0], Source: "missing", Exists: false}
}

// Caps records which entry points the bound library exposes. Strategies are
// gated on this once at bind time, not re-probed per call.
type Caps struct {
	OpenCom    bool
	CloseCom   bool
	GetBasData bool
	ReadCard   bool
	LegacyRead bool
	Automation bool
}

// NativeAPI is the uniform call surface over the flat C-ABI library.
// Production Windows builds back it with the loaded DLL; tests use fakes.
type NativeAPI interface {
	// OpenPort opens the reader serial port. Returns the vendor code.
	OpenPort(port int) (int, error)
	// ClosePort closes the reader serial port. Returns the vendor code.
	ClosePort() (int, error)
	// GetBasicData invokes the basic-data call with the caller's buffer and
	// a by-reference length. Returns bytes written and the vendor code.
	GetBasicData(buf []byte) (n int, code int, err error)
	// ReadCard invokes the simple read call. Returns the vendor code.
	ReadCard(buf []byte) (int, error)
}

// LegacyAPI is the call surface over the per-field legacy entry points
// (NHI_Initialize, NHI_ReadCard, then one NHI_Get* call per field). The
// getters are individually optional in the field libraries; a missing or
// failing getter yields "" and mandatory-field validation happens
// downstream, matching the vintage drivers' behavior.
type LegacyAPI interface {
	Initialize() error
	ReadCard() error
	GetID() string
	GetName() string
	GetBirthDate() string
}

// AutomationPatient is the call surface over the COM automation object.
type AutomationPatient interface {
	Open() error
	GetPatientData() error
	CardCheck() (bool, error)
	PatientID() (string, error)
	PatientName() (string, error)
	PatientSex() (string, error)
	Release()
}

// Library is a bound native card-reader library. A flat load populates API
// and, when the legacy entry points are exported, Legacy; a COM binding
// populates Patient instead.
type Library struct {
	Path    string
	Source  string
	Caps    Caps
	API     NativeAPI
	Legacy  LegacyAPI
	Patient AutomationPatient
}

// Bind loads the library named by the resolution. The filename decides the
// mechanism: the managed component naming pattern goes through COM
// automation, everything else through a flat C-ABI load. Loading a managed
// assembly as a flat library is never attempted.
func Bind(res Resolution) (*Library, error) {
	if !res.Exists {
		return nil, &CardError{
			Kind:    KindConfigurationAbsent,
			Message: "native library not found at any candidate location",
			Path:    res.Path,
		}
	}

	// Let the library resolve co-located dependency files. The working
	// directory change must never leak outside the bind.
	restore := pushWorkingDir(filepath.Dir(res.Path))
	defer restore()

	if isManagedComponent(res.Path) {
		patient, err := newAutomationPatient(automationProgID)
		if err != nil {
			return nil, err
		}
		logging.Info(logging.CatCard, "Bound automation object", map[string]any{
			"path":   res.Path,
			"progID": automationProgID,
		})
		return &Library{
			Path:    res.Path,
			Source:  res.Source,
			Caps:    Caps{Automation: true},
			Patient: patient,
		}, nil
	}

	api, legacy, caps, err := loadFlatLibrary(res.Path)
	if err != nil {
		return nil, err
	}
	logging.Info(logging.CatCard, "Bound native library", map[string]any{
		"path":       res.Path,
		"source":     res.Source,
		"openCom":    caps.OpenCom,
		"getBasData": caps.GetBasData,
		"readCard":   caps.ReadCard,
		"legacyRead": caps.LegacyRead,
	})
	return &Library{Path: res.Path, Source: res.Source, Caps: caps, API: api, Legacy: legacy}, nil
}

// isManagedComponent reports whether the filename matches the known managed
// component naming pattern. Windows paths arrive backslash-separated even
// when the dispatch logic runs on another OS, so both separators count.
func isManagedComponent(path string) bool {
	base := path
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		base = path[i+1:]
	}
	return strings.EqualFold(base, "NhiCard.dll")
}

// pushWorkingDir changes the process working directory and returns a restore
// function that always puts the original back.
func pushWorkingDir(dir string) func() {
	prev, err := os.Getwd()
	if err != nil {
		prev = ""
	}
	if dir != "" && dir != "." {
		if err := os.Chdir(dir); err != nil {
			logging.Warn(logging.CatCard, "Could not enter library directory", map[string]any{
				"dir":   dir,
				"error": err.Error(),
			})
		}
	}
	return func() {
		if prev != "" {
			_ = os.Chdir(prev)
		}
	}
}

// CloseSession releases the per-read native resources (the reader serial
// port). Failures are logged and swallowed; cleanup must never propagate.
func (l *Library) CloseSession() {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(logging.CatCard, "Panic during session cleanup", map[string]any{
				"panic": r,
			})
		}
	}()

	if l == nil {
		return
	}
	if l.API != nil && l.Caps.CloseCom {
		if code, err := l.API.ClosePort(); err != nil || code != 0 {
			logging.Warn(logging.CatCard, "Port close failed", map[string]any{
				"code": code,
			})
		}
	}
}

// Release tears the binding down completely: per-read resources plus the
// automation object. Used on rebind and shutdown, never per read.
func (l *Library) Release() {
	if l == nil {
		return
	}
	l.CloseSession()
	if l.Patient != nil {
		defer func() {
			if r := recover(); r != nil {
				logging.Warn(logging.CatCard, "Panic releasing automation object", map[string]any{
					"panic": r,
				})
			}
		}()
		l.Patient.Release()
	}
}
