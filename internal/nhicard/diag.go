package nhicard

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cliniops/nhi-agent/internal/logging"
)

// diagBundle is the on-disk snapshot written when decoding fails. The raw
// buffer is what support needs to extend the decoder for an unseen card
// format, and CBOR keeps arbitrary bytes intact where a text log would not.
type diagBundle struct {
	Timestamp time.Time `cbor:"timestamp"`
	RequestID string    `cbor:"request_id"`
	Strategy  string    `cbor:"strategy"`
	Error     string    `cbor:"error"`
	Blob      []byte    `cbor:"blob,omitempty"`
	Text      string    `cbor:"text,omitempty"`
	GoVersion string    `cbor:"go_version"`
	OS        string    `cbor:"os"`
}

const maxDiagBundles = 20

// diagDir is swapped out by tests.
var diagDir = func() string {
	return filepath.Join(logging.CrashLogDir(), "decode")
}

// writeDiagBundle snapshots a failed decode next to the crash logs and
// returns the file path, or "" if writing failed. Never blocks a read on
// diagnostics.
func writeDiagBundle(reqID string, capt *Capture, cerr *CardError) string {
	dir := diagDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ""
	}

	b := diagBundle{
		Timestamp: time.Now(),
		RequestID: reqID,
		Strategy:  capt.Strategy,
		Error:     cerr.Message,
		Blob:      capt.Blob,
		Text:      capt.Text,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS + "/" + runtime.GOARCH,
	}

	data, err := cbor.Marshal(b)
	if err != nil {
		return ""
	}

	path := filepath.Join(dir, fmt.Sprintf("decode_%s.cbor", time.Now().Format("2006-01-02_15-04-05")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ""
	}

	pruneDiagBundles(dir)
	return path
}

// ReadDiagBundle loads a previously written bundle for support tooling.
func ReadDiagBundle(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := cbor.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pruneDiagBundles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) <= maxDiagBundles {
		return
	}
	// ReadDir sorts by name and the timestamp format sorts with it, so
	// the oldest bundles come first.
	for _, e := range entries[:len(entries)-maxDiagBundles] {
		os.Remove(filepath.Join(dir, e.Name()))
	}
}
