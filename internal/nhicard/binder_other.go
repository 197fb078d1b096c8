//go:build !windows

package nhicard

// Vendor card-reader libraries only ship for Windows. On other hosts the
// bind fails cleanly and the agent keeps running in offline/manual mode;
// everything above the native boundary stays testable through fakes.

func loadFlatLibrary(path string) (NativeAPI, LegacyAPI, Caps, error) {
	return nil, nil, Caps{}, &CardError{
		Kind:    KindBindingUnsupported,
		Message: "native card-reader libraries require a Windows host",
		Path:    path,
	}
}

func newAutomationPatient(progID string) (AutomationPatient, error) {
	return nil, &CardError{
		Kind:    KindBindingUnsupported,
		Message: "COM automation (" + progID + ") requires a Windows host",
	}
}
