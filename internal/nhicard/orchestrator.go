package nhicard

import (
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cliniops/nhi-agent/internal/config"
	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/metrics"
	"github.com/cliniops/nhi-agent/internal/patient"
)

// Reader owns the bound vendor library and runs the acquisition cascade.
// Reads are single-flight: a second request while one is in progress is
// rejected synchronously rather than queued, because the physical reader
// cannot service two sessions and the front desk needs an immediate answer.
type Reader struct {
	cfg config.CardConfig

	// mu serializes everything that touches the native library: the
	// cascade itself, rebinds, and teardown. busy is separate so the
	// rejection happens without waiting on the lock.
	mu   sync.Mutex
	busy atomic.Bool

	lib        *Library
	strategies []Strategy

	// events receives lifecycle notifications for the websocket hub.
	// Nil until the API layer attaches one.
	events atomic.Pointer[func(event string, fields map[string]any)]

	// launchControl starts the vendor control program as a remediation
	// step after a device failure. Swapped out in tests.
	launchControl func(path string) error
	controlOnce   sync.Once

	// sleep feeds the strategy settle delays; tests stub it.
	sleep func(time.Duration)
}

// NewReader prepares a reader; the library is not bound until the first
// read or an explicit Rebind.
func NewReader(cfg config.CardConfig) *Reader {
	return &Reader{
		cfg: cfg,
		launchControl: func(path string) error {
			return exec.Command(path).Start()
		},
	}
}

// SetEventSink attaches the callback that receives acquisition lifecycle
// events. Safe to call while reads are in flight.
func (r *Reader) SetEventSink(fn func(event string, fields map[string]any)) {
	r.events.Store(&fn)
}

func (r *Reader) emit(event string, fields map[string]any) {
	if fn := r.events.Load(); fn != nil {
		(*fn)(event, fields)
	}
}

// DriverStatus describes the current binding for the status endpoint.
type DriverStatus struct {
	Bound      bool     `json:"bound"`
	Path       string   `json:"path"`
	Source     string   `json:"source"`
	Offline    bool     `json:"offline"`
	Strategies []string `json:"strategies"`
}

// Status reports the binding without forcing one.
func (r *Reader) Status() DriverStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := DriverStatus{Offline: r.cfg.Offline}
	if r.lib == nil {
		res := ResolvePath("", r.cfg)
		st.Path = res.Path
		st.Source = res.Source
		return st
	}
	st.Bound = true
	st.Path = r.lib.Path
	st.Source = r.lib.Source
	for _, s := range r.strategies {
		if s.Available(r.lib) {
			st.Strategies = append(st.Strategies, s.Name())
		}
	}
	return st
}

// Rebind tears down any existing binding and binds again from scratch,
// re-running path resolution. Used after the operator installs or moves
// the vendor driver. Waits for an in-flight read to finish.
func (r *Reader) Rebind() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lib != nil {
		r.lib.Release()
		r.lib = nil
		r.strategies = nil
	}
	return r.bindLocked()
}

// Close releases the native library. The reader is unusable afterwards.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lib != nil {
		r.lib.Release()
		r.lib = nil
		r.strategies = nil
	}
}

// bindLocked resolves and binds the vendor library; callers hold mu.
func (r *Reader) bindLocked() error {
	if r.lib != nil {
		return nil
	}
	if r.cfg.Offline {
		// Offline mode still gets a strategy list so reads terminate
		// with the manual-entry error instead of a nil dereference.
		r.lib = &Library{Source: "offline"}
		r.strategies = strategyOrder(r.strategyConfig(), true)
		return nil
	}

	res := ResolvePath("", r.cfg)
	if !res.Exists {
		return &CardError{
			Kind:    KindConfigurationAbsent,
			Message: "no vendor card library found",
			Path:    res.Path,
		}
	}

	lib, err := Bind(res)
	if err != nil {
		return err
	}
	r.lib = lib
	r.strategies = strategyOrder(r.strategyConfig(), false)

	logging.Info(logging.CatCard, "Vendor library bound", map[string]any{
		"path":   lib.Path,
		"source": lib.Source,
	})
	return nil
}

func (r *Reader) strategyConfig() StrategyConfig {
	return StrategyConfig{
		COMPort: r.cfg.COMPort,
		Layout:  r.layout(),
		sleep:   r.sleep,
	}
}

func (r *Reader) layout() BasicDataLayout {
	l := DefaultBasicDataLayout()
	if r.cfg.BasBufferSize > 0 {
		l.BufferSize = r.cfg.BasBufferSize
	}
	if r.cfg.BasIDOffset > 0 {
		l.IDOffset = r.cfg.BasIDOffset
	}
	return l
}

// ReadPatient starts an asynchronous card read. Every outcome, including
// the Busy rejection, arrives through exactly one of the two callbacks;
// the Busy case invokes onFailure before ReadPatient returns. The
// returned request ID ties log lines, websocket events and the eventual
// callback together.
func (r *Reader) ReadPatient(onSuccess func(string, *patient.Record), onFailure func(string, *CardError)) string {
	reqID := uuid.NewString()

	if !r.busy.CompareAndSwap(false, true) {
		metrics.BusyRejection()
		onFailure(reqID, &CardError{
			Kind:    KindBusy,
			Message: "a card read is already in progress",
		})
		return reqID
	}

	r.emit("read.started", map[string]any{"request_id": reqID})

	go func() {
		defer r.busy.Store(false)

		rec, cerr := r.readOnce(reqID)
		if cerr != nil {
			r.emit("read.failed", map[string]any{
				"request_id": reqID,
				"kind":       string(cerr.Kind),
				"error":      cerr.Message,
			})
			onFailure(reqID, cerr)
			return
		}
		r.emit("read.completed", map[string]any{
			"request_id": reqID,
			"id":         rec.ID,
		})
		onSuccess(reqID, rec)
	}()

	return reqID
}

// readOnce runs one full acquisition under the lock: bind if needed, walk
// the cascade, decode, validate. The serial session is always closed on
// the way out, success or not.
func (r *Reader) readOnce(reqID string) (*patient.Record, *CardError) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()

	if err := r.bindLocked(); err != nil {
		cerr := AsCardError(err)
		metrics.CardReadFailure(string(cerr.Kind))
		return nil, cerr
	}

	defer r.lib.CloseSession()

	var lastErr *CardError
	for _, s := range r.strategies {
		if !s.Available(r.lib) {
			continue
		}

		capt, err := s.Acquire(r.lib)
		if err != nil {
			cerr := AsCardError(err)
			if cerr.Kind == KindOffline {
				// Terminal branch: carry the most recent real failure
				// so the operator sees why manual entry is needed.
				if lastErr != nil {
					cerr = &CardError{
						Kind:    KindOffline,
						Message: cerr.Message + ": " + lastErr.Message,
						Code:    lastErr.Code,
					}
				}
				metrics.CardReadFailure(string(KindOffline))
				r.remediate(lastErr)
				return nil, cerr
			}
			logging.Warn(logging.CatCard, "Strategy failed, trying next", map[string]any{
				"request_id": reqID,
				"strategy":   s.Name(),
				"error":      cerr.Message,
			})
			lastErr = cerr
			continue
		}

		rec, cerr := r.finishCapture(reqID, capt)
		if cerr != nil {
			lastErr = cerr
			continue
		}
		metrics.CardReadSuccess(s.Name(), time.Since(start))
		return rec, nil
	}

	if lastErr == nil {
		lastErr = &CardError{
			Kind:    KindBindingUnsupported,
			Message: "bound library exposes no usable read call",
			Path:    r.lib.Path,
		}
	}
	metrics.CardReadFailure(string(lastErr.Kind))
	r.remediate(lastErr)
	return nil, lastErr
}

// finishCapture decodes and validates a winning capture. The producing
// strategy alone decides which decoder runs.
func (r *Reader) finishCapture(reqID string, capt *Capture) (*patient.Record, *CardError) {
	var (
		raw patient.Raw
		err error
	)
	switch {
	case capt.Fields != nil:
		raw = *capt.Fields
	case capt.Strategy == "basic-data":
		raw, err = ParseBasicData(capt.Blob, r.layout())
	default:
		raw, err = ParseText(capt.Text, capt.Blob)
	}
	if err != nil {
		cerr := AsCardError(err)
		bundle := writeDiagBundle(reqID, capt, cerr)
		logging.Error(logging.CatDecode, "Card data decode failed", map[string]any{
			"request_id": reqID,
			"strategy":   capt.Strategy,
			"error":      cerr.Message,
			"bundle":     bundle,
		})
		return nil, cerr
	}

	rec, perr := patient.Process(raw)
	if perr != nil {
		return nil, &CardError{Kind: KindValidationFailed, Message: perr.Error()}
	}

	logging.Info(logging.CatCard, "Card read completed", map[string]any{
		"request_id": reqID,
		"strategy":   capt.Strategy,
		"id":         rec.ID,
	})
	return rec, nil
}

// remediate launches the vendor control program once per process after a
// device-level failure. The program resets the reader firmware; running
// it repeatedly just steals focus from the operator.
func (r *Reader) remediate(cause *CardError) {
	if cause == nil || cause.Kind != KindDeviceCallFailed {
		return
	}
	path := r.cfg.ControlProgramPath
	if path == "" || !fileExists(path) {
		return
	}
	r.controlOnce.Do(func() {
		if err := r.launchControl(path); err != nil {
			logging.Warn(logging.CatCard, "Control program launch failed", map[string]any{
				"path":  path,
				"error": err.Error(),
			})
			return
		}
		logging.Info(logging.CatCard, "Launched vendor control program", map[string]any{
			"path": path,
		})
	})
}
