//go:build windows

package nhicard

import (
	"fmt"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

// comPatient wraps the GNT automation object. The managed component cannot
// be loaded as a flat library; COM dispatch is the only supported mechanism.
type comPatient struct {
	obj *ole.IDispatch
}

func newAutomationPatient(progID string) (AutomationPatient, error) {
	// Repeated CoInitialize on the same thread returns S_FALSE; that is
	// harmless here.
	_ = ole.CoInitialize(0)

	unknown, err := oleutil.CreateObject(progID)
	if err != nil {
		return nil, &CardError{
			Kind:    KindBindingUnsupported,
			Message: fmt.Sprintf("COM object %s could not be created: %v", progID, err),
		}
	}
	obj, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		unknown.Release()
		return nil, &CardError{
			Kind:    KindBindingUnsupported,
			Message: fmt.Sprintf("COM object %s has no dispatch interface: %v", progID, err),
		}
	}
	return &comPatient{obj: obj}, nil
}

func (c *comPatient) call(method string) error {
	v, err := oleutil.CallMethod(c.obj, method)
	if err != nil {
		return &CardError{Kind: KindDeviceCallFailed, Message: method + ": " + err.Error()}
	}
	defer v.Clear()
	if b, ok := v.Value().(bool); ok && !b {
		return &CardError{Kind: KindDeviceCallFailed, Message: method + " returned false"}
	}
	return nil
}

func (c *comPatient) Open() error           { return c.call("Open") }
func (c *comPatient) GetPatientData() error { return c.call("GetPatientData") }

func (c *comPatient) CardCheck() (bool, error) {
	v, err := oleutil.GetProperty(c.obj, "CardCheck")
	if err != nil {
		return false, &CardError{Kind: KindDeviceCallFailed, Message: "CardCheck: " + err.Error()}
	}
	defer v.Clear()
	b, _ := v.Value().(bool)
	return b, nil
}

func (c *comPatient) stringProp(name string) (string, error) {
	v, err := oleutil.GetProperty(c.obj, name)
	if err != nil {
		return "", &CardError{Kind: KindDeviceCallFailed, Message: name + ": " + err.Error()}
	}
	defer v.Clear()
	return v.ToString(), nil
}

func (c *comPatient) PatientID() (string, error)   { return c.stringProp("GetPatientIdCard") }
func (c *comPatient) PatientName() (string, error) { return c.stringProp("GetPatientName") }
func (c *comPatient) PatientSex() (string, error)  { return c.stringProp("GetPatientSex") }

func (c *comPatient) Release() {
	if c.obj != nil {
		c.obj.Release()
		c.obj = nil
	}
}
