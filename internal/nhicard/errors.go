package nhicard

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure the acquisition pipeline can surface.
// The UI layer routes on the kind, never on message text.
type Kind string

const (
	// KindConfigurationAbsent: the library file does not exist anywhere.
	KindConfigurationAbsent Kind = "configuration-absent"
	// KindBindingUnsupported: the library needs a binding mechanism this
	// host does not provide (COM automation, or a non-Windows host).
	KindBindingUnsupported Kind = "binding-unsupported"
	// KindDeviceCallFailed: a native entry point returned a failure code.
	KindDeviceCallFailed Kind = "device-call-failed"
	// KindDecodeFailed: no decoding cascade step recognized the blob.
	KindDecodeFailed Kind = "decode-failed"
	// KindValidationFailed: decoded record missing a mandatory field.
	KindValidationFailed Kind = "validation-failed"
	// KindBusy: a read was already in flight.
	KindBusy Kind = "busy"
	// KindOffline: deliberate terminal branch, operator must key in data.
	KindOffline Kind = "offline"
)

// CardError is the single error type crossing the orchestrator boundary.
type CardError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"` // library path involved, if any
	Code    int    `json:"code,omitempty"` // vendor return code, if any
}

func (e *CardError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether re-seating the card and pressing retry can
// plausibly fix the failure without operator/IT intervention.
func (e *CardError) Retryable() bool {
	switch e.Kind {
	case KindDeviceCallFailed, KindDecodeFailed, KindValidationFailed:
		return true
	default:
		return false
	}
}

// AsCardError unwraps err into a *CardError, classifying foreign errors as
// device failures so nothing escapes the taxonomy.
func AsCardError(err error) *CardError {
	var ce *CardError
	if errors.As(err, &ce) {
		return ce
	}
	return &CardError{Kind: KindDeviceCallFailed, Message: err.Error()}
}

// Vendor return codes observed across CsHis installations. Zero is success;
// anything not in this table gets the generic "code N" message.
var vendorErrorText = map[int]string{
	4000: "reader timeout",
	4013: "card not inserted or read failed",
	4029: "card blocked, must be returned to the insurance bureau",
	4032: "card expired",
	4050: "secure module authentication failed",
	4061: "insurance card not inserted",
	4071: "secure access module not present",
	5001: "serial port open failed",
	5030: "serial port already in use",
}

// vendorCodeError builds a DeviceCallFailed error for a nonzero return code.
func vendorCodeError(call string, code int) *CardError {
	msg, ok := vendorErrorText[code]
	if !ok {
		msg = fmt.Sprintf("call failed, code %d", code)
	}
	return &CardError{
		Kind:    KindDeviceCallFailed,
		Message: fmt.Sprintf("%s: %s", call, msg),
		Code:    code,
	}
}

// Remediation returns operator-facing guidance for a failure. Every failure
// must leave the operator with something to check, in order, rather than a
// bare error string.
func Remediation(e *CardError) string {
	switch e.Kind {
	case KindConfigurationAbsent:
		return strings.Join([]string{
			"Card reader driver not found. Please check:",
			"1. The NHI reader control software is installed",
			"2. The driver file exists at: " + e.Path,
			"3. config.ini dll_path points at the installed driver",
			"Contact hospital IT if the driver was never installed.",
		}, "\n")
	case KindBindingUnsupported:
		return strings.Join([]string{
			"The configured driver cannot be loaded on this host:",
			e.Message,
			"The GNT NhiCard.dll requires COM automation support;",
			"use the standard CsHis50.dll on hosts without it.",
		}, "\n")
	case KindDeviceCallFailed:
		return strings.Join([]string{
			"Card read failed: " + e.Message,
			"Please check, in order:",
			"1. The reader is connected and powered",
			"2. The card is inserted chip-first, all the way in",
			"3. No other program is holding the reader port",
			"Then remove the card, re-insert it, and retry.",
		}, "\n")
	case KindDecodeFailed, KindValidationFailed:
		return strings.Join([]string{
			"The card answered but its data could not be read: " + e.Message,
			"This is usually a dirty or damaged card, not a cabling problem.",
			"Wipe the chip, re-insert, and retry; use manual entry if it persists.",
		}, "\n")
	case KindBusy:
		return "A card read is already in progress, please wait."
	case KindOffline:
		return "Offline mode: use the manual entry form."
	default:
		return e.Message
	}
}

// TruncateForStatus shortens a message for the one-line status strip; the
// full text stays available in the detail dialog.
func TruncateForStatus(msg string, max int) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	if max <= 0 || len(msg) <= max {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-1]) + "…"
}
