// Package service manages login auto-start for the agent on each
// platform: a registry Run key on Windows, a LaunchAgent on macOS, and
// an XDG autostart entry on Linux.
package service

import "errors"

var (
	ErrAlreadyInstalled = errors.New("auto-start already enabled")
	ErrNotInstalled     = errors.New("auto-start not enabled")
)

// Service controls the platform auto-start mechanism.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}
