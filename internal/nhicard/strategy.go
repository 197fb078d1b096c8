package nhicard

import (
	"time"

	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/patient"
)

// Settle delays around the basic-data call. The vendor's own control
// software waits before and after invoking the driver; skipping either
// produces intermittent garbage on slower readers.
const (
	basSettleBefore = 400 * time.Millisecond
	basSettleAfter  = 600 * time.Millisecond
)

// Capture is the raw outcome of one acquisition strategy, prior to decoding.
// Exactly one of Blob, Text or Fields is populated, and the producing
// strategy determines which decoder runs; content is never re-sniffed.
type Capture struct {
	Strategy string
	Blob     []byte       // basic-data buffer (positional decode)
	Text     string       // decoded text (generic cascade)
	Fields   *patient.Raw // already-structured fields (automation path)
}

// Strategy is one vendor calling convention for acquiring card data.
type Strategy interface {
	Name() string
	// Available reports whether the bound library exposes what this
	// strategy needs. Decided once at bind time.
	Available(lib *Library) bool
	Acquire(lib *Library) (*Capture, error)
}

// strategyOrder builds the fixed-priority cascade for a bound library.
// Only available strategies are included; the offline placeholder is always
// last so a fully-capable library never reaches it.
func strategyOrder(cfg StrategyConfig, offline bool) []Strategy {
	if offline {
		return []Strategy{offlineStrategy{}}
	}
	return []Strategy{
		basicDataStrategy{cfg: cfg},
		simpleReadStrategy{cfg: cfg},
		automationStrategy{},
		legacyFieldsStrategy{},
		offlineStrategy{},
	}
}

// StrategyConfig carries the installation-specific knobs the strategies
// need: the serial port number and the basic-data layout.
type StrategyConfig struct {
	COMPort int
	Layout  BasicDataLayout
	// sleep is stubbed in tests so the settle delays don't slow the suite.
	sleep func(time.Duration)
}

func (c StrategyConfig) wait(d time.Duration) {
	if c.sleep != nil {
		c.sleep(d)
		return
	}
	time.Sleep(d)
}

// basicDataStrategy drives the primary entry point: a fixed-size buffer and
// a by-reference length handed to csGetBasData.
type basicDataStrategy struct {
	cfg StrategyConfig
}

func (basicDataStrategy) Name() string { return "basic-data" }

func (basicDataStrategy) Available(lib *Library) bool {
	return lib.API != nil && lib.Caps.GetBasData
}

func (s basicDataStrategy) Acquire(lib *Library) (*Capture, error) {
	if lib.Caps.OpenCom {
		code, err := lib.API.OpenPort(s.cfg.COMPort)
		if err != nil {
			return nil, AsCardError(err)
		}
		if code != 0 {
			return nil, vendorCodeError("csOpenCom", code)
		}
	}

	// The driver needs time to settle after the port opens, and the buffer
	// is not trustworthy immediately after the call returns.
	s.cfg.wait(basSettleBefore)

	buf := make([]byte, s.cfg.Layout.BufferSize)
	n, code, err := lib.API.GetBasicData(buf)

	s.cfg.wait(basSettleAfter)

	if err != nil {
		return nil, AsCardError(err)
	}
	if code != 0 {
		return nil, vendorCodeError("csGetBasData", code)
	}
	if n <= 0 {
		n = len(buf)
	}

	logging.Debug(logging.CatCard, "Basic-data call succeeded", map[string]any{
		"bytes": n,
	})
	return &Capture{Strategy: "basic-data", Blob: buf[:n]}, nil
}

// simpleReadStrategy drives the older single-buffer csReadCard call.
type simpleReadStrategy struct {
	cfg StrategyConfig
}

func (simpleReadStrategy) Name() string { return "simple-read" }

func (simpleReadStrategy) Available(lib *Library) bool {
	return lib.API != nil && lib.Caps.ReadCard
}

func (s simpleReadStrategy) Acquire(lib *Library) (*Capture, error) {
	buf := make([]byte, 1024)
	code, err := lib.API.ReadCard(buf)
	if err != nil {
		return nil, AsCardError(err)
	}
	if code != 0 {
		return nil, vendorCodeError("csReadCard", code)
	}

	text := decodeBig5(buf)
	logging.Debug(logging.CatCard, "Simple read succeeded", map[string]any{
		"length": len(text),
	})
	return &Capture{Strategy: "simple-read", Text: text, Blob: buf}, nil
}

// automationStrategy drives the COM object protocol: Open, GetPatientData,
// CardCheck, then named properties. The properties arrive already decoded;
// no text cascade runs. The object does not expose a birth date.
type automationStrategy struct{}

func (automationStrategy) Name() string { return "automation" }

func (automationStrategy) Available(lib *Library) bool {
	return lib.Patient != nil
}

func (automationStrategy) Acquire(lib *Library) (*Capture, error) {
	p := lib.Patient

	if err := p.Open(); err != nil {
		return nil, AsCardError(err)
	}
	if err := p.GetPatientData(); err != nil {
		return nil, AsCardError(err)
	}
	inserted, err := p.CardCheck()
	if err != nil {
		return nil, AsCardError(err)
	}
	if !inserted {
		return nil, &CardError{
			Kind:    KindDeviceCallFailed,
			Message: "no card detected, check it is fully inserted",
		}
	}

	id, err := p.PatientID()
	if err != nil {
		return nil, AsCardError(err)
	}
	name, err := p.PatientName()
	if err != nil {
		return nil, AsCardError(err)
	}
	sex, err := p.PatientSex()
	if err != nil {
		// Sex is optional; a property miss is not worth failing the read
		logging.Warn(logging.CatCard, "Sex property unavailable", map[string]any{
			"error": err.Error(),
		})
		sex = ""
	}

	return &Capture{
		Strategy: "automation",
		Fields:   &patient.Raw{IDNumber: id, FullName: name, Sex: sex},
	}, nil
}

// legacyFieldsStrategy drives the oldest dialect: NHI_Initialize and
// NHI_ReadCard stage the card, then per-field getters pull each value
// separately. Getters that fail leave their field blank, so the capture
// can carry a partial patient; validation downstream decides if the ID
// alone is enough. Last in line before offline because libraries that
// export it usually also export a richer call that was already tried.
type legacyFieldsStrategy struct{}

func (legacyFieldsStrategy) Name() string { return "legacy-fields" }

func (legacyFieldsStrategy) Available(lib *Library) bool {
	return lib.Legacy != nil && lib.Caps.LegacyRead
}

func (legacyFieldsStrategy) Acquire(lib *Library) (*Capture, error) {
	leg := lib.Legacy

	if err := leg.Initialize(); err != nil {
		return nil, AsCardError(err)
	}
	if err := leg.ReadCard(); err != nil {
		return nil, AsCardError(err)
	}

	id := leg.GetID()
	if id == "" {
		return nil, &CardError{
			Kind:    KindDeviceCallFailed,
			Message: "NHI_GetID returned no data, check the card is fully inserted",
		}
	}

	fields := &patient.Raw{
		IDNumber:  id,
		FullName:  leg.GetName(),
		BirthDate: leg.GetBirthDate(),
	}
	logging.Debug(logging.CatCard, "Legacy field read succeeded", map[string]any{
		"hasName": fields.FullName != "",
		"hasDob":  fields.BirthDate != "",
	})
	return &Capture{Strategy: "legacy-fields", Fields: fields}, nil
}

// offlineStrategy is the deliberate terminal branch: manual entry required.
// It is not a transient failure and the orchestrator never retries past it.
type offlineStrategy struct{}

func (offlineStrategy) Name() string { return "offline" }

func (offlineStrategy) Available(*Library) bool { return true }

func (offlineStrategy) Acquire(*Library) (*Capture, error) {
	return nil, &CardError{
		Kind:    KindOffline,
		Message: "reader unavailable, manual entry required",
	}
}
