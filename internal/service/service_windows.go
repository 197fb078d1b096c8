//go:build windows

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// Per-user Run key: no elevation needed, starts with the desktop session,
// which the tray icon requires anyway.
const (
	runKeyPath   = `Software\Microsoft\Windows\CurrentVersion\Run`
	runValueName = "NHI-Agent"
)

type windowsService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &windowsService{}
}

func (s *windowsService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	// Quote the path, counter installs love spaces in folder names
	if err := key.SetStringValue(runValueName, `"`+execPath+`"`); err != nil {
		return fmt.Errorf("failed to set Run value: %w", err)
	}
	return nil
}

func (s *windowsService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("failed to open Run key: %w", err)
	}
	defer key.Close()

	if err := key.DeleteValue(runValueName); err != nil {
		return fmt.Errorf("failed to delete Run value: %w", err)
	}
	return nil
}

func (s *windowsService) IsInstalled() bool {
	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return false
	}
	defer key.Close()

	_, _, err = key.GetStringValue(runValueName)
	return err == nil
}

func (s *windowsService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	key, err := registry.OpenKey(registry.CURRENT_USER, runKeyPath, registry.QUERY_VALUE)
	if err != nil {
		return "installed", nil
	}
	defer key.Close()

	val, _, err := key.GetStringValue(runValueName)
	if err != nil {
		return "installed", nil
	}

	// Flag a stale entry pointing at a moved or deleted binary
	path := strings.Trim(val, `"`)
	if _, err := os.Stat(path); err != nil {
		return "installed (target missing)", nil
	}
	return "installed", nil
}
