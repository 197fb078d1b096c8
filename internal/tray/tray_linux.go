//go:build linux

package tray

import "github.com/cliniops/nhi-agent/internal/nhicard"

// Linux desktops vary too much in tray support (and the agent mostly runs
// on Windows counters anyway); run headless there.
type TrayApp struct{}

func New(serverAddr string, reader *nhicard.Reader, onQuit func()) *TrayApp {
	return &TrayApp{}
}

func (t *TrayApp) Run() {}

func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
