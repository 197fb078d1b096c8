package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cliniops/nhi-agent/internal/api"
	"github.com/cliniops/nhi-agent/internal/config"
	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/nhicard"
	"github.com/cliniops/nhi-agent/internal/records"
	"github.com/cliniops/nhi-agent/internal/serialport"
	"github.com/cliniops/nhi-agent/internal/service"
	"github.com/cliniops/nhi-agent/internal/settings"
	"github.com/cliniops/nhi-agent/internal/tray"
)

func main() {
	// Define flags
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	noTrayFlag := flag.Bool("no-tray", false, "Run without system tray (headless mode)")

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "NHI Card Agent - Local health-insurance card reader service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  nhi-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  nhi-agent <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  NHI_AGENT_PORT           Port to listen on (default: 32610)\n")
		fmt.Fprintf(os.Stderr, "  NHI_AGENT_HOST           Host to bind to (default: 127.0.0.1)\n")
		fmt.Fprintf(os.Stderr, "  NHI_AGENT_CONFIG         Path to config.ini\n")
		fmt.Fprintf(os.Stderr, "  NHI_AGENT_RECORDS_DIR    Directory for visit-record CSV files\n")
		fmt.Fprintf(os.Stderr, "  NHI_CARD_DLL_PATH        Vendor card library override\n")
	}

	flag.Parse()

	// Handle version flag
	if *versionFlag {
		printVersion()
		return
	}

	// Handle commands (non-flag arguments)
	args := flag.Args()
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "install":
			if err := service.New().Install(); err != nil {
				log.Fatalf("Failed to install service: %v", err)
			}
			fmt.Println("Auto-start service installed successfully")
			return
		case "uninstall":
			if err := service.New().Uninstall(); err != nil {
				log.Fatalf("Failed to uninstall service: %v", err)
			}
			fmt.Println("Auto-start service removed successfully")
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			flag.Usage()
			os.Exit(1)
		}
	}

	// Load configuration
	cfg := config.Load()

	// Start the server
	run(cfg, *noTrayFlag)
}

func printVersion() {
	fmt.Printf("nhi-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

func run(cfg *config.Config, headless bool) {
	// Initialize logging system
	logging.Init(1000, logging.LevelDebug)
	logging.Info(logging.CatSystem, "NHI Card Agent starting", map[string]any{
		"version": api.Version,
	})

	// User settings persist across restarts; crash reporting defaults on
	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	logging.InitSentry(api.Version, settings.Get().CrashReporting)

	// Offline mode toggled from the settings UI wins over config.ini
	if settings.IsOfflineMode() {
		cfg.Card.Offline = true
	}

	// Probe serial ports before binding so Strategy A opens the right COM port
	if cfg.Card.AutoDetectSerial && !cfg.Card.Offline {
		if port, ok := serialport.DetectReaderPort(); ok {
			logging.Info(logging.CatCard, "Detected card reader serial port", map[string]any{
				"comPort": port,
			})
			cfg.Card.COMPort = port
		}
	}

	cardReader := nhicard.NewReader(cfg.Card)
	recordLog := records.NewManager(cfg.RecordsDir)

	api.Configure(cfg, cardReader, recordLog)

	mux := api.NewMux()

	// Add WebSocket endpoint
	mux.HandleFunc("/v1/ws", api.InitWebSocket())

	addr := cfg.Address()

	shutdown := func() {
		log.Println("Shutting down...")
		cardReader.Close()
		logging.FlushSentry(2 * time.Second)
		os.Exit(0)
	}
	api.SetShutdownHandler(shutdown)

	// Server start function
	startServer := func() {
		log.Printf("nhi-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
			"offline": cfg.Card.Offline,
		})

		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}

	// Determine if we should use system tray
	useTray := !headless && tray.IsSupported()

	if useTray {
		log.Println("Starting with system tray...")

		// Create tray app with quit handler
		trayApp := tray.New(addr, cardReader, shutdown)

		// Run tray with server - this blocks on the main thread until quit
		// (required for macOS Cocoa compatibility)
		trayApp.RunWithServer(startServer)
	} else {
		if headless {
			log.Println("Running in headless mode (no system tray)")
		} else {
			log.Println("System tray not supported on this platform, running headless")
		}

		// Set up signal handling for graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigChan
			shutdown()
		}()

		startServer()
	}
}
