//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"

	"github.com/cliniops/nhi-agent/internal/api"
	"github.com/cliniops/nhi-agent/internal/nhicard"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	reader     *nhicard.Reader
	onQuit     func()
	mu         sync.Mutex

	// Menu items for updating
	mStatus *systray.MenuItem
	mDriver *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, reader *nhicard.Reader, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		reader:     reader,
		onQuit:     onQuit,
	}
}

// Run starts the system tray. This function blocks until the tray is closed.
func (t *TrayApp) Run() {
	systray.Run(t.onReady, t.onExit)
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

func (t *TrayApp) onReady() {
	// Set icon
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("NHI Card Agent")

	// Version header (disabled, just for display)
	// Only add "v" prefix for proper version numbers (e.g., "1.2.3"), not for dev builds
	versionStr := api.Version
	if len(versionStr) > 0 && versionStr[0] >= '0' && versionStr[0] <= '9' {
		versionStr = "v" + versionStr
	}
	mVersion := systray.AddMenuItem(fmt.Sprintf("NHI Card Agent %s", versionStr), "")
	mVersion.Disable()

	systray.AddSeparator()

	// Status indicator
	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()

	// Driver binding
	t.mDriver = systray.AddMenuItem("Driver: Checking...", "Card reader driver")
	t.mDriver.Disable()

	systray.AddSeparator()

	// Rebind after a driver install without restarting the agent
	mRebind := systray.AddMenuItem("Reconnect Reader", "Re-detect the card reader driver")

	// Open status page
	mOpenUI := systray.AddMenuItem("Open Status Page", "Open web UI in browser")

	systray.AddSeparator()

	// Quit
	mQuit := systray.AddMenuItem("Quit", "Exit NHI Card Agent")

	// Update status after a brief delay
	go t.updateStatus()

	// Handle menu clicks
	go func() {
		for {
			select {
			case <-mRebind.ClickedCh:
				go func() {
					t.reader.Rebind()
					t.updateStatus()
				}()
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

// updateStatus refreshes the status display in the tray menu
func (t *TrayApp) updateStatus() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mStatus != nil {
		t.mStatus.SetTitle("Status: Running")
	}
	if t.mDriver == nil {
		return
	}

	st := t.reader.Status()
	switch {
	case st.Offline:
		t.mDriver.SetTitle("Driver: Offline mode")
	case st.Bound:
		t.mDriver.SetTitle(fmt.Sprintf("Driver: Connected (%s)", st.Source))
	default:
		t.mDriver.SetTitle("Driver: Not detected")
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
