package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cliniops/nhi-agent/internal/config"
	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/nhicard"
	"github.com/cliniops/nhi-agent/internal/patient"
	"github.com/cliniops/nhi-agent/internal/records"
)

func init() {
	logging.Init(100, logging.LevelError)
}

// setupOffline wires the handlers to an offline reader and a throwaway
// records directory.
func setupOffline(t *testing.T) {
	t.Helper()
	c := &config.Config{Host: "127.0.0.1", Port: 32610, Card: config.DefaultCardConfig()}
	c.Card.Offline = true
	Configure(c, nhicard.NewReader(c.Card), records.NewManager(t.TempDir()))
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandleVersion(t *testing.T) {
	// Save original values
	origVersion := Version
	origBuildTime := BuildTime
	origGitCommit := GitCommit

	Version = "1.2.3-test"
	BuildTime = "2024-01-15T10:30:00Z"
	GitCommit = "abc1234"

	defer func() {
		Version = origVersion
		BuildTime = origBuildTime
		GitCommit = origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()

	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%v'", result["version"])
	}
}

func TestHandleVersion_MethodNotAllowed(t *testing.T) {
	methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/v1/version", nil)
			w := httptest.NewRecorder()

			handleVersion(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d for %s, got %d", http.StatusMethodNotAllowed, method, w.Code)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	setupOffline(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()

	handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", result["status"])
	}
	if result["offline"] != true {
		t.Errorf("expected offline true, got %v", result["offline"])
	}
}

func TestHandleReadOffline(t *testing.T) {
	setupOffline(t)

	w := postJSON(t, handleRead, "/v1/read", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["kind"] != "offline" {
		t.Errorf("kind = %v", result["kind"])
	}
	if rem, _ := result["remediation"].(string); !strings.Contains(rem, "manual entry") {
		t.Errorf("remediation = %v", result["remediation"])
	}
}

// scriptedReader stands in for the card reader behind the handlers.
type scriptedReader struct {
	read func(onSuccess func(string, *patient.Record), onFailure func(string, *nhicard.CardError)) string
}

func (s *scriptedReader) ReadPatient(ok func(string, *patient.Record), fail func(string, *nhicard.CardError)) string {
	return s.read(ok, fail)
}
func (s *scriptedReader) Status() nhicard.DriverStatus              { return nhicard.DriverStatus{Bound: true} }
func (s *scriptedReader) Rebind() error                             { return nil }
func (s *scriptedReader) SetEventSink(func(string, map[string]any)) {}

func TestHandleReadBusyConflict(t *testing.T) {
	setupOffline(t)
	cardReader = &scriptedReader{
		read: func(_ func(string, *patient.Record), fail func(string, *nhicard.CardError)) string {
			fail("req-1", &nhicard.CardError{Kind: nhicard.KindBusy, Message: "a card read is already in progress"})
			return "req-1"
		},
	}

	w := postJSON(t, handleRead, "/v1/read", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["kind"] != "busy" {
		t.Errorf("kind = %v", result["kind"])
	}
}

func TestHandleReadAuditsLateSuccess(t *testing.T) {
	setupOffline(t)

	release := make(chan struct{})
	cardReader = &scriptedReader{
		read: func(ok func(string, *patient.Record), _ func(string, *nhicard.CardError)) string {
			go func() {
				<-release
				ok("req-1", &patient.Record{
					ID: "A123456789", Name: "許小明", DOB: "1986/01/01",
					ReadTime: "2026/03/14 09:30:00",
				})
			}()
			return "req-1"
		},
	}

	old := readTimeout
	readTimeout = 20 * time.Millisecond
	t.Cleanup(func() { readTimeout = old })

	w := postJSON(t, handleRead, "/v1/read", nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", w.Code, w.Body.String())
	}

	// The read finishes after the HTTP caller gave up; the audit row
	// must still land.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		last, err := recordsMgr.Last()
		if err == nil && last != nil {
			if last.Operation != records.OpRead || last.ID != "A123456789" {
				t.Errorf("last = %+v", last)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("audit row never appended")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleManualEntryAndLastRecord(t *testing.T) {
	setupOffline(t)

	w := postJSON(t, handleManualEntry, "/v1/manual", map[string]string{
		"id": "A123456789", "name": "許小明", "dob": "0750101", "sex": "1",
		"note": "offline entry",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("manual entry failed: %d %s", w.Code, w.Body.String())
	}

	var result struct {
		Record struct {
			ID   string `json:"id"`
			DOB  string `json:"dob"`
			Sex  string `json:"sex"`
			Note string `json:"note"`
		} `json:"record"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Record.DOB != "1986/01/01" || result.Record.Sex != "M" {
		t.Errorf("record = %+v", result.Record)
	}
	if result.Record.Note != "offline entry" {
		t.Errorf("note = %q", result.Record.Note)
	}

	// The entry must land in the audit trail
	req := httptest.NewRequest(http.MethodGet, "/v1/records/last", nil)
	rw := httptest.NewRecorder()
	handleLastRecord(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("last record: %d", rw.Code)
	}
	var last map[string]any
	if err := json.NewDecoder(rw.Body).Decode(&last); err != nil {
		t.Fatal(err)
	}
	// The offline reader marks the manual row
	if last["id"] != "A123456789" || last["operation"] != records.OpManual+records.OfflineSuffix {
		t.Errorf("last = %v", last)
	}
}

func TestHandleManualEntryRejectsBadID(t *testing.T) {
	setupOffline(t)

	w := postJSON(t, handleManualEntry, "/v1/manual", map[string]string{
		"id": "12345", "name": "許小明",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleLastRecordEmptyDay(t *testing.T) {
	setupOffline(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/records/last", nil)
	w := httptest.NewRecorder()
	handleLastRecord(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandleRecordsBadDate(t *testing.T) {
	setupOffline(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/records?date=15-06-2026", nil)
	w := httptest.NewRecorder()
	handleRecords(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleRecordStats(t *testing.T) {
	setupOffline(t)

	postJSON(t, handleManualEntry, "/v1/manual", map[string]string{
		"id": "A123456789", "name": "許小明",
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/records/stats", nil)
	w := httptest.NewRecorder()
	handleRecordStats(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d", w.Code)
	}

	var st records.Stats
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 || st.Manual != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandleRecordBackup(t *testing.T) {
	setupOffline(t)

	postJSON(t, handleManualEntry, "/v1/manual", map[string]string{
		"id": "A123456789", "name": "許小明",
	})

	dst := t.TempDir()
	w := postJSON(t, handleRecordBackup, "/v1/records/backup", map[string]string{"dir": dst})
	if w.Code != http.StatusOK {
		t.Fatalf("backup: %d %s", w.Code, w.Body.String())
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["copied"] != float64(1) {
		t.Errorf("copied = %v", result["copied"])
	}
}

func TestHandleRecordBackupRequiresDir(t *testing.T) {
	setupOffline(t)
	w := postJSON(t, handleRecordBackup, "/v1/records/backup", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandlePrintExplicitRecord(t *testing.T) {
	setupOffline(t)

	w := postJSON(t, handlePrint, "/v1/print", map[string]any{
		"format": "zpl",
		"record": map[string]string{
			"id": "A123456789", "name": "許小明", "dob": "1986/01/01",
			"read_time": "2026/03/14 09:30:00",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("print: %d %s", w.Code, w.Body.String())
	}

	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	content, _ := result["content"].(string)
	if result["format"] != "zpl" || !strings.HasPrefix(content, "^XA") {
		t.Errorf("result = %v", result)
	}

	// Every print job gets its own audit row with the label count
	req := httptest.NewRequest(http.MethodGet, "/v1/records/last", nil)
	rw := httptest.NewRecorder()
	handleLastRecord(rw, req)
	var last map[string]any
	if err := json.NewDecoder(rw.Body).Decode(&last); err != nil {
		t.Fatal(err)
	}
	if last["operation"] != records.OpPrint || last["print_count"] != float64(1) {
		t.Errorf("last = %v", last)
	}
}

func TestHandlePrintRecordsLabelCount(t *testing.T) {
	setupOffline(t)

	w := postJSON(t, handlePrint, "/v1/print", map[string]any{
		"count": 3,
		"record": map[string]string{
			"id": "A123456789", "name": "許小明", "dob": "1986/01/01",
			"read_time": "2026/03/14 09:30:00",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("print: %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/records/stats", nil)
	rw := httptest.NewRecorder()
	handleRecordStats(rw, req)
	var st records.Stats
	if err := json.NewDecoder(rw.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Prints != 1 || st.Labels != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHandlePrintFallsBackToLastRecord(t *testing.T) {
	setupOffline(t)

	// Nothing recorded yet
	w := postJSON(t, handlePrint, "/v1/print", map[string]string{"format": "text"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	postJSON(t, handleManualEntry, "/v1/manual", map[string]string{
		"id": "A123456789", "name": "許小明",
	})

	w = postJSON(t, handlePrint, "/v1/print", map[string]string{"format": "text"})
	if w.Code != http.StatusOK {
		t.Fatalf("print: %d %s", w.Code, w.Body.String())
	}
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	content, _ := result["content"].(string)
	if !strings.Contains(content, "許小明") {
		t.Errorf("content = %q", content)
	}
}

func TestHandlePrintRejectsUnknownFormat(t *testing.T) {
	setupOffline(t)
	w := postJSON(t, handlePrint, "/v1/print", map[string]string{"format": "pdf"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleDriverStatus(t *testing.T) {
	setupOffline(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/driver", nil)
	w := httptest.NewRecorder()
	handleDriverStatus(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("driver status: %d", w.Code)
	}

	var st nhicard.DriverStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Offline {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleDriverRebindOffline(t *testing.T) {
	setupOffline(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/driver/rebind", nil)
	w := httptest.NewRecorder()
	handleDriverRebind(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("rebind: %d %s", w.Code, w.Body.String())
	}

	var st nhicard.DriverStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Bound {
		t.Errorf("status = %+v", st)
	}
}

func TestHandleLogs(t *testing.T) {
	setupOffline(t)
	logging.Info(logging.CatHTTP, "test entry", nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs?limit=10", nil)
	w := httptest.NewRecorder()
	handleLogs(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("logs: %d", w.Code)
	}

	var result struct {
		Entries []logging.Entry `json:"entries"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result.Entries) == 0 {
		t.Error("expected at least one entry")
	}
}

func TestCORSPreflights(t *testing.T) {
	setupOffline(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/read", nil)
	w := httptest.NewRecorder()
	corsMiddleware(handleRead)(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("preflight: %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestNewMuxRoutes(t *testing.T) {
	setupOffline(t)
	mux := NewMux()

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("health via mux: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("metrics via mux: %d", w.Code)
	}
}
