package nhicard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cliniops/nhi-agent/internal/config"
	"github.com/cliniops/nhi-agent/internal/patient"
)

// fakeAPI scripts the flat native call surface.
type fakeAPI struct {
	mu sync.Mutex

	openCode int
	openErr  error

	basData []byte
	basCode int
	basErr  error
	// basGate, when set, blocks GetBasicData until closed.
	basGate chan struct{}

	readData []byte
	readCode int

	openCalls  int
	basCalls   int
	readCalls  int
	closeCode  int
	closeCalls int
}

func (f *fakeAPI) OpenPort(port int) (int, error) {
	f.mu.Lock()
	f.openCalls++
	f.mu.Unlock()
	return f.openCode, f.openErr
}

func (f *fakeAPI) ClosePort() (int, error) {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return f.closeCode, nil
}

func (f *fakeAPI) GetBasicData(buf []byte) (int, int, error) {
	f.mu.Lock()
	f.basCalls++
	gate := f.basGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.basErr != nil {
		return 0, 0, f.basErr
	}
	n := copy(buf, f.basData)
	return n, f.basCode, nil
}

func (f *fakeAPI) ReadCard(buf []byte) (int, error) {
	f.mu.Lock()
	f.readCalls++
	f.mu.Unlock()
	copy(buf, f.readData)
	return f.readCode, nil
}

// fakePatient scripts the automation object.
type fakePatient struct {
	id, name, sex string
	inserted      bool
	openErr       error
	released      bool
}

func (f *fakePatient) Open() error                 { return f.openErr }
func (f *fakePatient) GetPatientData() error       { return nil }
func (f *fakePatient) CardCheck() (bool, error)    { return f.inserted, nil }
func (f *fakePatient) PatientID() (string, error)  { return f.id, nil }
func (f *fakePatient) PatientName() (string, error) { return f.name, nil }
func (f *fakePatient) PatientSex() (string, error) { return f.sex, nil }
func (f *fakePatient) Release()                    { f.released = true }

// fakeLegacy scripts the per-field export family.
type fakeLegacy struct {
	initErr error
	readErr error
	id      string
	name    string
	dob     string

	initCalls int
	readCalls int
}

func (f *fakeLegacy) Initialize() error {
	f.initCalls++
	return f.initErr
}

func (f *fakeLegacy) ReadCard() error {
	f.readCalls++
	return f.readErr
}

func (f *fakeLegacy) GetID() string        { return f.id }
func (f *fakeLegacy) GetName() string      { return f.name }
func (f *fakeLegacy) GetBirthDate() string { return f.dob }

// testReader wires a Reader directly to a prepared library, skipping path
// resolution and the real bind.
func testReader(lib *Library, cfg config.CardConfig) *Reader {
	r := NewReader(cfg)
	r.sleep = func(time.Duration) {}
	r.lib = lib
	r.strategies = strategyOrder(r.strategyConfig(), false)
	r.launchControl = func(string) error { return nil }
	return r
}

type readResult struct {
	rec *patient.Record
	err *CardError
}

// awaitRead runs one read and blocks for its outcome.
func awaitRead(t *testing.T, r *Reader) readResult {
	t.Helper()
	ch := make(chan readResult, 1)
	r.ReadPatient(
		func(_ string, rec *patient.Record) { ch <- readResult{rec: rec} },
		func(_ string, cerr *CardError) { ch <- readResult{err: cerr} },
	)
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("read did not complete")
		return readResult{}
	}
}

func basicDataFor(t *testing.T, content string) []byte {
	t.Helper()
	return basBlob(t, content, DefaultBasicDataLayout().BufferSize)
}

func TestReadPatientBasicData(t *testing.T) {
	api := &fakeAPI{
		basData: basicDataFor(t, "000012345678許小明A1234567890750101M"),
	}
	lib := &Library{API: api, Caps: Caps{OpenCom: true, CloseCom: true, GetBasData: true}}
	r := testReader(lib, config.CardConfig{COMPort: 3})

	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if res.rec.ID != "A123456789" || res.rec.Name != "許小明" {
		t.Errorf("record = %+v", res.rec)
	}
	if res.rec.DOB != "1986/01/01" {
		t.Errorf("dob = %q", res.rec.DOB)
	}
	if api.openCalls != 1 || api.closeCalls != 1 {
		t.Errorf("open=%d close=%d, want 1/1", api.openCalls, api.closeCalls)
	}
}

func TestReadPatientFallsThroughToSimpleRead(t *testing.T) {
	api := &fakeAPI{
		basCode:  4013, // card not inserted on the primary call
		readData: append([]byte("A123456789|"), append(big5(t, "許小明"), []byte("|0750101|M")...)...),
	}
	lib := &Library{API: api, Caps: Caps{OpenCom: true, CloseCom: true, GetBasData: true, ReadCard: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if api.basCalls != 1 || api.readCalls != 1 {
		t.Errorf("bas=%d read=%d, want 1/1", api.basCalls, api.readCalls)
	}
	if res.rec.ID != "A123456789" || res.rec.DOB != "1986/01/01" {
		t.Errorf("record = %+v", res.rec)
	}
}

func TestReadPatientAutomation(t *testing.T) {
	p := &fakePatient{id: "A123456789", name: "許小明", sex: "1", inserted: true}
	lib := &Library{Patient: p, Caps: Caps{Automation: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if res.rec.Sex != "M" {
		t.Errorf("sex = %q", res.rec.Sex)
	}
	// The automation object never exposes a birth date
	if res.rec.DOB != patient.DOBMissing {
		t.Errorf("dob = %q", res.rec.DOB)
	}
}

func TestReadPatientBasicDataKeepsPositionalParse(t *testing.T) {
	// A pipe inside the blob must not reroute it to the delimiter parse:
	// the producing strategy picks the decoder. Split on "|" this text
	// would yield "0000" as the ID and fail outright.
	api := &fakeAPI{
		basData: basicDataFor(t, "0000|2345678許小明A1234567890750101M"),
	}
	lib := &Library{API: api, Caps: Caps{GetBasData: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if res.rec.ID != "A123456789" || res.rec.Name != "許小明" {
		t.Errorf("record = %+v", res.rec)
	}
	// The card serial is the positional leading span, pipe and all
	if res.rec.CardNumber != "0000|2345678" {
		t.Errorf("card number = %q", res.rec.CardNumber)
	}
}

func TestReadPatientLegacyFields(t *testing.T) {
	leg := &fakeLegacy{id: "A123456789", name: "許小明", dob: "0750101"}
	lib := &Library{Legacy: leg, Caps: Caps{LegacyRead: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if leg.initCalls != 1 || leg.readCalls != 1 {
		t.Errorf("init=%d read=%d, want 1/1", leg.initCalls, leg.readCalls)
	}
	if res.rec.ID != "A123456789" || res.rec.Name != "許小明" {
		t.Errorf("record = %+v", res.rec)
	}
	if res.rec.DOB != "1986/01/01" {
		t.Errorf("dob = %q", res.rec.DOB)
	}
}

func TestReadPatientLegacyAfterRicherCalls(t *testing.T) {
	// The per-field dialect is the last resort before offline: the richer
	// calls run first and only their failure reaches it.
	api := &fakeAPI{basCode: 4000, readCode: 4000}
	leg := &fakeLegacy{id: "A123456789", name: "許小明", dob: "0750101"}
	lib := &Library{
		API:    api,
		Legacy: leg,
		Caps:   Caps{GetBasData: true, ReadCard: true, LegacyRead: true},
	}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if api.basCalls != 1 || api.readCalls != 1 || leg.readCalls != 1 {
		t.Errorf("bas=%d read=%d legacy=%d, want 1/1/1", api.basCalls, api.readCalls, leg.readCalls)
	}
	if res.rec.ID != "A123456789" {
		t.Errorf("record = %+v", res.rec)
	}
}

func TestReadPatientLegacyNoID(t *testing.T) {
	leg := &fakeLegacy{id: "", name: "許小明"}
	lib := &Library{Legacy: leg, Caps: Caps{LegacyRead: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err == nil || res.err.Kind != KindOffline {
		t.Fatalf("expected offline terminal after exhaustion, got %+v", res)
	}
}

func TestReadPatientExhaustedCascade(t *testing.T) {
	api := &fakeAPI{basCode: 4000, readCode: 4000}
	lib := &Library{API: api, Caps: Caps{OpenCom: true, CloseCom: true, GetBasData: true, ReadCard: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err == nil {
		t.Fatal("expected failure")
	}
	if res.err.Kind != KindOffline {
		t.Errorf("kind = %s, want offline terminal", res.err.Kind)
	}
	// The terminal error carries the last real failure for the operator
	if res.err.Code != 4000 {
		t.Errorf("code = %d", res.err.Code)
	}
	if api.closeCalls != 1 {
		t.Errorf("close calls = %d, cleanup must run on failure too", api.closeCalls)
	}
}

func TestReadPatientBusyRejection(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{
		basGate: gate,
		basData: basicDataFor(t, "000012345678許小明A1234567890750101M"),
	}
	lib := &Library{API: api, Caps: Caps{GetBasData: true}}
	r := testReader(lib, config.CardConfig{})

	done := make(chan readResult, 1)
	firstID := r.ReadPatient(
		func(_ string, rec *patient.Record) { done <- readResult{rec: rec} },
		func(_ string, cerr *CardError) { done <- readResult{err: cerr} },
	)

	// Second request while the first is stalled inside the native call:
	// the rejection goes to the second caller's failure callback, before
	// ReadPatient even returns. No queueing, and the first read is untouched.
	var busyKind Kind
	var busyID string
	secondID := r.ReadPatient(
		func(string, *patient.Record) { t.Error("second read must not run") },
		func(id string, cerr *CardError) {
			busyID = id
			busyKind = cerr.Kind
		},
	)
	if busyKind != KindBusy {
		t.Errorf("kind = %s, want busy delivered synchronously", busyKind)
	}
	if busyID != secondID || secondID == firstID {
		t.Errorf("busy callback id = %q, returned = %q, first = %q", busyID, secondID, firstID)
	}

	close(gate)
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("first read failed: %v", res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first read did not complete")
	}

	// The reader accepts work again once the flight finishes
	res := awaitRead(t, r)
	if res.err != nil {
		t.Fatalf("follow-up read failed: %v", res.err)
	}
}

func TestReadPatientOfflineMode(t *testing.T) {
	r := NewReader(config.CardConfig{Offline: true})
	r.sleep = func(time.Duration) {}

	res := awaitRead(t, r)
	if res.err == nil || res.err.Kind != KindOffline {
		t.Fatalf("expected offline, got %+v", res)
	}
}

func TestReadPatientNoLibraryFound(t *testing.T) {
	withFiles(t) // nothing on disk
	t.Setenv(EnvLibraryPath, "")

	r := NewReader(config.CardConfig{})
	res := awaitRead(t, r)
	if res.err == nil || res.err.Kind != KindConfigurationAbsent {
		t.Fatalf("expected configuration-absent, got %+v", res)
	}
}

func TestRemediationLaunchesControlProgramOnce(t *testing.T) {
	ctrl := `C:\NHI\csfsim.exe`
	withFiles(t, ctrl)

	api := &fakeAPI{basCode: 4000}
	lib := &Library{API: api, Caps: Caps{GetBasData: true}}
	r := testReader(lib, config.CardConfig{ControlProgramPath: ctrl})

	var launches int
	r.launchControl = func(path string) error {
		if path != ctrl {
			t.Errorf("launch path = %q", path)
		}
		launches++
		return nil
	}

	awaitRead(t, r)
	awaitRead(t, r)
	if launches != 1 {
		t.Errorf("launches = %d, want exactly one per process", launches)
	}
}

func TestRebindReplacesLibrary(t *testing.T) {
	api := &fakeAPI{}
	lib := &Library{API: api, Caps: Caps{CloseCom: true}}
	r := testReader(lib, config.CardConfig{Offline: true})

	if err := r.Rebind(); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if api.closeCalls != 1 {
		t.Errorf("old library not released, close calls = %d", api.closeCalls)
	}
	st := r.Status()
	if !st.Bound || !st.Offline {
		t.Errorf("status = %+v", st)
	}
}

func TestStatusUnbound(t *testing.T) {
	withFiles(t)
	t.Setenv(EnvLibraryPath, "")

	r := NewReader(config.CardConfig{})
	st := r.Status()
	if st.Bound {
		t.Error("unbound reader reports bound")
	}
	if st.Path == "" || st.Source != "missing" {
		t.Errorf("status = %+v", st)
	}
}

func TestAutomationCardNotInserted(t *testing.T) {
	p := &fakePatient{inserted: false}
	lib := &Library{Patient: p, Caps: Caps{Automation: true}}
	r := testReader(lib, config.CardConfig{})

	res := awaitRead(t, r)
	if res.err == nil || res.err.Kind != KindOffline {
		t.Fatalf("expected offline terminal after exhaustion, got %+v", res)
	}
}

func TestAsCardErrorWrapsForeign(t *testing.T) {
	ce := AsCardError(errors.New("boom"))
	if ce.Kind != KindDeviceCallFailed || ce.Message != "boom" {
		t.Errorf("got %+v", ce)
	}
	orig := &CardError{Kind: KindBusy, Message: "x"}
	if AsCardError(orig) != orig {
		t.Error("existing CardError must pass through")
	}
}
