//go:build windows

package nhicard

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// dllAPI backs NativeAPI with a loaded flat C-ABI vendor library.
type dllAPI struct {
	dll        *windows.DLL
	openCom    *windows.Proc
	closeCom   *windows.Proc
	getBasData *windows.Proc
	readCard   *windows.Proc
}

// legacyDLL backs LegacyAPI with the older per-field export family.
type legacyDLL struct {
	initialize   *windows.Proc
	readCard     *windows.Proc
	getID        *windows.Proc
	getName      *windows.Proc
	getBirthDate *windows.Proc
	getLastError *windows.Proc
}

// loadFlatLibrary loads the library and probes the known entry points,
// recording which subset is present. A missing symbol is not an error;
// the strategy cascade simply skips calls the library does not offer.
func loadFlatLibrary(path string) (NativeAPI, LegacyAPI, Caps, error) {
	dll, err := windows.LoadDLL(path)
	if err != nil {
		return nil, nil, Caps{}, &CardError{
			Kind:    KindConfigurationAbsent,
			Message: fmt.Sprintf("load failed: %v", err),
			Path:    path,
		}
	}

	api := &dllAPI{dll: dll}
	caps := Caps{}

	if p, err := dll.FindProc("csOpenCom"); err == nil {
		api.openCom = p
		caps.OpenCom = true
	}
	if p, err := dll.FindProc("csCloseCom"); err == nil {
		api.closeCom = p
		caps.CloseCom = true
	}
	if p, err := dll.FindProc("csGetBasData"); err == nil {
		api.getBasData = p
		caps.GetBasData = true
	}
	if p, err := dll.FindProc("csReadCard"); err == nil {
		api.readCard = p
		caps.ReadCard = true
	}

	var legacy LegacyAPI
	if leg := probeLegacy(dll); leg != nil {
		legacy = leg
		caps.LegacyRead = true
	}

	return api, legacy, caps, nil
}

// probeLegacy looks for the NHI_* per-field export family. The field
// getters are the useful part, so NHI_GetID is the gate: without it
// the dialect cannot produce a patient and is treated as absent.
func probeLegacy(dll *windows.DLL) *legacyDLL {
	leg := &legacyDLL{}
	p, err := dll.FindProc("NHI_GetID")
	if err != nil {
		return nil
	}
	leg.getID = p
	if p, err := dll.FindProc("NHI_Initialize"); err == nil {
		leg.initialize = p
	}
	if p, err := dll.FindProc("NHI_ReadCard"); err == nil {
		leg.readCard = p
	}
	if p, err := dll.FindProc("NHI_GetName"); err == nil {
		leg.getName = p
	}
	if p, err := dll.FindProc("NHI_GetBirthDate"); err == nil {
		leg.getBirthDate = p
	}
	if p, err := dll.FindProc("NHI_GetLastError"); err == nil {
		leg.getLastError = p
	}
	return leg
}

func (a *dllAPI) OpenPort(port int) (int, error) {
	if a.openCom == nil {
		return 0, nil // library manages the port internally
	}
	r, _, _ := a.openCom.Call(uintptr(port))
	return int(int32(r)), nil
}

func (a *dllAPI) ClosePort() (int, error) {
	if a.closeCom == nil {
		return 0, nil
	}
	r, _, _ := a.closeCom.Call()
	return int(int32(r)), nil
}

func (a *dllAPI) GetBasicData(buf []byte) (int, int, error) {
	if a.getBasData == nil {
		return 0, 0, &CardError{Kind: KindDeviceCallFailed, Message: "csGetBasData not exported"}
	}
	length := int32(len(buf))
	r, _, _ := a.getBasData.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&length)),
	)
	n := int(length)
	if n < 0 || n > len(buf) {
		n = len(buf)
	}
	return n, int(int32(r)), nil
}

func (a *dllAPI) ReadCard(buf []byte) (int, error) {
	if a.readCard == nil {
		return 0, &CardError{Kind: KindDeviceCallFailed, Message: "csReadCard not exported"}
	}
	r, _, _ := a.readCard.Call(uintptr(unsafe.Pointer(&buf[0])))
	return int(int32(r)), nil
}

func (l *legacyDLL) Initialize() error {
	if l.initialize == nil {
		return nil // older builds initialize on load
	}
	r, _, _ := l.initialize.Call()
	if byte(r) == 0 {
		return &CardError{Kind: KindDeviceCallFailed, Message: "NHI_Initialize failed" + l.lastError()}
	}
	return nil
}

func (l *legacyDLL) ReadCard() error {
	if l.readCard == nil {
		return &CardError{Kind: KindDeviceCallFailed, Message: "NHI_ReadCard not exported"}
	}
	r, _, _ := l.readCard.Call()
	if byte(r) == 0 {
		return &CardError{Kind: KindDeviceCallFailed, Message: "NHI_ReadCard failed" + l.lastError()}
	}
	return nil
}

func (l *legacyDLL) GetID() string        { return l.getString(l.getID, 20) }
func (l *legacyDLL) GetName() string      { return l.getString(l.getName, 50) }
func (l *legacyDLL) GetBirthDate() string { return l.getString(l.getBirthDate, 20) }

// getString fills a caller-owned buffer through one of the per-field
// getters. A failed or missing getter yields "", matching the dialect's
// habit of leaving optional fields blank rather than aborting the read.
func (l *legacyDLL) getString(proc *windows.Proc, size int) string {
	if proc == nil {
		return ""
	}
	buf := make([]byte, size)
	r, _, _ := proc.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(int32(size)))
	if byte(r) == 0 {
		return ""
	}
	return strings.TrimSpace(decodeBig5(buf))
}

func (l *legacyDLL) lastError() string {
	if l.getLastError == nil {
		return ""
	}
	buf := make([]byte, 256)
	r, _, _ := l.getLastError.Call(uintptr(unsafe.Pointer(&buf[0])), uintptr(int32(len(buf))))
	if byte(r) == 0 {
		return ""
	}
	detail := strings.TrimSpace(decodeBig5(buf))
	if detail == "" {
		return ""
	}
	return ": " + detail
}
