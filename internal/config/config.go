// Package config loads the agent configuration once at startup.
//
// Two sources are merged: process environment variables (server binding,
// same convention as the rest of the NHI_AGENT_* family) and an optional
// config.ini shipped next to the binary by hospital IT. The resulting
// structs are treated as immutable for the lifetime of the process.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 32610
)

// Config holds the server-level configuration.
type Config struct {
	Host string
	Port int

	// RecordsDir holds the daily visit-record CSV files.
	RecordsDir string

	Card CardConfig
}

// CardConfig holds the card-reader and label options read from config.ini.
// The core treats these as fixed for the session; a settings change requires
// an agent restart, matching how the vendor control software behaves.
type CardConfig struct {
	// DLLPath overrides the native library location (config priority tier).
	DLLPath string
	// COMPort is the serial port number the vendor driver binds to.
	COMPort int
	// ControlProgramPath locates the NHI control software (csfsim.exe),
	// launched as a remediation step after device failures.
	ControlProgramPath string
	// Offline forces manual-entry mode; no native calls are attempted.
	Offline bool
	// AutoDetectSerial enables the COM-port scan heuristic at startup.
	AutoDetectSerial bool

	// Strategy A vendor contract. Installation-specific; do not assume the
	// defaults hold for every reader firmware.
	BasBufferSize int
	BasIDOffset   int

	// Label geometry in millimetres, plus the barcode toggle.
	LabelWidthMM  int
	LabelHeightMM int
	UseBarcode    bool
}

// DefaultCardConfig returns the documented defaults.
func DefaultCardConfig() CardConfig {
	return CardConfig{
		COMPort:            3,
		ControlProgramPath: `C:\NHI\BIN\csfsim.exe`,
		BasBufferSize:      72,
		BasIDOffset:        32, // 0-based index of the fixed ID fallback slice
		LabelWidthMM:       50,
		LabelHeightMM:      35,
		UseBarcode:         true,
	}
}

// Load reads the configuration from the environment and, when present,
// config.ini in the working directory.
func Load() *Config {
	cfg := &Config{
		Host:       defaultHost,
		Port:       defaultPort,
		RecordsDir: defaultRecordsDir(),
		Card:       DefaultCardConfig(),
	}

	if host := os.Getenv("NHI_AGENT_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("NHI_AGENT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p < 65536 {
			cfg.Port = p
		}
	}
	if dir := os.Getenv("NHI_AGENT_RECORDS_DIR"); dir != "" {
		cfg.RecordsDir = dir
	}

	iniPath := "config.ini"
	if override := os.Getenv("NHI_AGENT_CONFIG"); override != "" {
		iniPath = override
	}
	if f, err := ini.Load(iniPath); err == nil {
		cfg.RecordsDir = f.Section("records").Key("dir").MustString(cfg.RecordsDir)
		applyCardSection(&cfg.Card, f)
	}

	return cfg
}

// defaultRecordsDir places the CSV log next to the binary, where clinic
// staff expect to find it when auditing visits.
func defaultRecordsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "records"
	}
	return filepath.Join(filepath.Dir(exe), "records")
}

// applyCardSection overlays config.ini values onto the defaults. Individual
// bad values fall back per key.
func applyCardSection(cc *CardConfig, f *ini.File) {
	card := f.Section("card")
	cc.DLLPath = card.Key("dll_path").String()
	cc.COMPort = card.Key("com_port").MustInt(cc.COMPort)
	cc.ControlProgramPath = card.Key("csfsim_path").MustString(cc.ControlProgramPath)
	cc.Offline = card.Key("offline").MustBool(false)
	cc.AutoDetectSerial = card.Key("auto_detect_serial").MustBool(false)
	cc.BasBufferSize = card.Key("bas_buffer_size").MustInt(cc.BasBufferSize)
	cc.BasIDOffset = card.Key("bas_id_offset").MustInt(cc.BasIDOffset)

	label := f.Section("label")
	cc.LabelWidthMM = label.Key("width_mm").MustInt(cc.LabelWidthMM)
	cc.LabelHeightMM = label.Key("height_mm").MustInt(cc.LabelHeightMM)
	cc.UseBarcode = label.Key("use_barcode").MustBool(cc.UseBarcode)
}

// Address returns the host:port string to bind the HTTP server to.
func (c *Config) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// BundledDriverDir returns the application-local drivers folder checked as
// the last library source.
func BundledDriverDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "drivers"
	}
	return filepath.Join(filepath.Dir(exe), "drivers")
}
