package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/cliniops/nhi-agent/internal/config"
	"github.com/cliniops/nhi-agent/internal/label"
	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/metrics"
	"github.com/cliniops/nhi-agent/internal/nhicard"
	"github.com/cliniops/nhi-agent/internal/patient"
	"github.com/cliniops/nhi-agent/internal/readers"
	"github.com/cliniops/nhi-agent/internal/records"
	"github.com/cliniops/nhi-agent/internal/serialport"
	"github.com/cliniops/nhi-agent/internal/service"
	"github.com/cliniops/nhi-agent/internal/settings"
	"github.com/cliniops/nhi-agent/internal/updater"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

// patientReader is the slice of the card reader the handlers need;
// tests substitute a scripted one.
type patientReader interface {
	ReadPatient(onSuccess func(string, *patient.Record), onFailure func(string, *nhicard.CardError)) string
	Status() nhicard.DriverStatus
	Rebind() error
	SetEventSink(func(event string, fields map[string]any))
}

// Package state wired at startup by Configure.
var (
	cfg        *config.Config
	cardReader patientReader
	recordsMgr *records.Manager

	shutdownHandler func()
	updateChecker   *updater.Checker

	// pcscFactory is swapped in tests.
	pcscFactory = readers.DefaultFactory
)

// readTimeout bounds one synchronous read request end to end: bind,
// settle delays, vendor calls and decode all fit well inside it.
// Variable so tests can shrink it.
var readTimeout = 30 * time.Second

// Configure wires the API handlers to their collaborators. Must run
// before NewMux is served.
func Configure(c *config.Config, r *nhicard.Reader, m *records.Manager) {
	cfg = c
	cardReader = r
	recordsMgr = m
}

// SetShutdownHandler sets the callback for shutdown requests
func SetShutdownHandler(handler func()) {
	shutdownHandler = handler
}

// InitUpdateChecker initializes the update checker with the current version
func InitUpdateChecker() {
	updateChecker = updater.NewChecker(Version)
}

// NewMux constructs and returns the HTTP mux for the API.
func NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/read", corsMiddleware(handleRead))
	mux.HandleFunc("/v1/manual", corsMiddleware(handleManualEntry))
	mux.HandleFunc("/v1/print", corsMiddleware(handlePrint))
	mux.HandleFunc("/v1/records", corsMiddleware(handleRecords))
	mux.HandleFunc("/v1/records/last", corsMiddleware(handleLastRecord))
	mux.HandleFunc("/v1/records/stats", corsMiddleware(handleRecordStats))
	mux.HandleFunc("/v1/records/backup", corsMiddleware(handleRecordBackup))
	mux.HandleFunc("/v1/driver", corsMiddleware(handleDriverStatus))
	mux.HandleFunc("/v1/driver/rebind", corsMiddleware(handleDriverRebind))
	mux.HandleFunc("/v1/readers", corsMiddleware(handleListReaders))
	mux.HandleFunc("/v1/serial-ports", corsMiddleware(handleSerialPorts))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(handleShutdown))
	mux.HandleFunc("/v1/autostart", corsMiddleware(handleAutostart))
	mux.HandleFunc("/v1/updates", corsMiddleware(handleUpdates))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				context := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, context)

				// Log to in-memory logger
				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", context, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				// Write crash log to file
				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				// Print to stderr
				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", context, rec, string(stack))

				// Send 500 response
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		recoveryMiddleware(next)(sw, r)
		metrics.HTTPRequest(r.URL.Path, sw.status)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// respondCardError maps the error taxonomy onto HTTP status codes and
// always includes the operator guidance next to the machine fields.
func respondCardError(w http.ResponseWriter, cerr *nhicard.CardError) {
	status := http.StatusInternalServerError
	switch cerr.Kind {
	case nhicard.KindBusy:
		status = http.StatusConflict
	case nhicard.KindConfigurationAbsent, nhicard.KindBindingUnsupported:
		status = http.StatusServiceUnavailable
	case nhicard.KindDecodeFailed, nhicard.KindDeviceCallFailed, nhicard.KindValidationFailed:
		status = http.StatusBadGateway
	case nhicard.KindOffline:
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"error":       cerr.Message,
		"kind":        string(cerr.Kind),
		"code":        cerr.Code,
		"retryable":   cerr.Retryable(),
		"remediation": nhicard.Remediation(cerr),
	})
}

// appendAudit writes the audit row for a completed operation. Runs in
// whichever goroutine delivers the outcome, so a read that outlives its
// HTTP request still lands in the trail.
func appendAudit(reqID string, rec *patient.Record, operation string, printed int) {
	if err := recordsMgr.Append(rec, operation, printed); err != nil {
		logging.Error(logging.CatRecords, "Audit append failed", map[string]any{
			"request_id": reqID,
			"operation":  operation,
			"error":      err.Error(),
		})
	}
}

// handleRead runs one card read to completion. A concurrent request while
// a read is in flight gets its Busy through the failure callback, which
// surfaces here as an immediate 409; polling clients should watch the
// websocket events instead of re-posting.
func handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	type outcome struct {
		rec  *patient.Record
		cerr *nhicard.CardError
	}
	done := make(chan outcome, 1)

	// The audit append lives in the callback, not the select: a read that
	// finishes after the HTTP timeout below must still be recorded.
	reqID := cardReader.ReadPatient(
		func(id string, rec *patient.Record) {
			appendAudit(id, rec, records.OpRead, 0)
			done <- outcome{rec: rec}
		},
		func(_ string, cerr *nhicard.CardError) { done <- outcome{cerr: cerr} },
	)

	select {
	case out := <-done:
		if out.cerr != nil {
			respondCardError(w, out.cerr)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"requestId": reqID,
			"record":    out.rec,
		})
	case <-time.After(readTimeout):
		respondJSON(w, http.StatusGatewayTimeout, map[string]string{
			"error": "card read timed out",
		})
	}
}

// handleManualEntry accepts keyed-in patient data when the reader is down.
// The same validation as a card read applies; the audit row is marked
// manual.
func handleManualEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		DOB  string `json:"dob"`
		Sex  string `json:"sex"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	rec, err := patient.Process(patient.Raw{
		IDNumber:  req.ID,
		FullName:  req.Name,
		BirthDate: req.DOB,
		Sex:       req.Sex,
	})
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if req.Note != "" {
		v := rec.WithNote(req.Note)
		rec = &v
	}

	operation := records.OpManual
	if cardReader.Status().Offline {
		operation += records.OfflineSuffix
	}
	if err := recordsMgr.Append(rec, operation, 0); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "record not saved: " + err.Error(),
		})
		return
	}

	logging.Info(logging.CatRecords, "Manual entry recorded", map[string]any{
		"id": rec.ID,
	})
	respondJSON(w, http.StatusOK, map[string]any{"record": rec})
}

// handlePrint renders a label for an explicit record, or for today's last
// record when the body carries none. Each print job appends its own audit
// row carrying the label count.
func handlePrint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Format string          `json:"format"` // "text" (default) or "zpl"
		Count  int             `json:"count"`  // labels in this job, default 1
		Record *patient.Record `json:"record"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	rec := req.Record
	if rec == nil {
		last, err := recordsMgr.Last()
		if err != nil || last == nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "no record to print today",
			})
			return
		}
		rec = &patient.Record{
			ID: last.ID, Name: last.Name, DOB: last.DOB, Sex: last.Sex,
			CardNumber: last.CardNo, Note: last.Note, ReadTime: last.ReadTime,
		}
	}

	opts := label.DefaultOptions()
	if cfg != nil {
		if cfg.Card.LabelWidthMM > 0 {
			opts.WidthMM = cfg.Card.LabelWidthMM
		}
		if cfg.Card.LabelHeightMM > 0 {
			opts.HeightMM = cfg.Card.LabelHeightMM
		}
		opts.Barcode = cfg.Card.UseBarcode
	}

	format := strings.ToLower(req.Format)
	var content string
	switch format {
	case "", "text":
		format = "text"
		content = label.RenderText(rec, opts)
	case "zpl":
		content = label.RenderZPL(rec, opts)
	default:
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "format must be 'text' or 'zpl'",
		})
		return
	}

	count := req.Count
	if count < 1 {
		count = 1
	}
	// The audit row carries the print time, not the read it reused.
	printRec := *rec
	printRec.ReadTime = time.Now().Format("2006/01/02 15:04:05")
	appendAudit("", &printRec, records.OpPrint, count)

	metrics.LabelPrinted(format)
	respondJSON(w, http.StatusOK, map[string]any{
		"format":  format,
		"count":   count,
		"content": content,
	})
}

// handleRecords lists one day of audit rows; ?date=YYYYMMDD, default today.
func handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	day := time.Now()
	if ds := r.URL.Query().Get("date"); ds != "" {
		parsed, err := time.ParseInLocation("20060102", ds, time.Local)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "date must be YYYYMMDD",
			})
			return
		}
		day = parsed
	}

	rows, err := recordsMgr.ReadDay(day)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"date":    day.Format("2006/01/02"),
		"records": rows,
	})
}

func handleLastRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	last, err := recordsMgr.Last()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if last == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "no records today",
		})
		return
	}
	respondJSON(w, http.StatusOK, last)
}

func handleRecordStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	st, err := recordsMgr.StatsFor(time.Now())
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func handleRecordBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dir == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dir is required",
		})
		return
	}

	n, err := recordsMgr.Backup(req.Dir)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"copied": n,
		"dir":    req.Dir,
	})
}

func handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, cardReader.Status())
}

// handleDriverRebind re-runs path resolution and binding, for use after
// the operator installs or moves the vendor driver.
func handleDriverRebind(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if err := cardReader.Rebind(); err != nil {
		respondCardError(w, nhicard.AsCardError(err))
		return
	}
	respondJSON(w, http.StatusOK, cardReader.Status())
}

func handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	list, err := readers.List(pcscFactory)
	if err != nil {
		// No PC/SC service is common on these hosts; report it as an
		// empty enumeration with the reason attached.
		respondJSON(w, http.StatusOK, map[string]any{
			"readers": []readers.Reader{},
			"warning": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"readers": list})
}

func handleSerialPorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	ports, err := serialport.List()
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp := map[string]any{"ports": ports}
	if n, ok := serialport.DetectReaderPort(); ok {
		resp["detected"] = n
	}
	respondJSON(w, http.StatusOK, resp)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}

	if updateChecker != nil {
		info := updateChecker.Check(false) // Use cached result
		response["updateAvailable"] = info.Available
		if info.LatestVersion != "" {
			response["latestVersion"] = info.LatestVersion
		}
		if info.ReleaseURL != "" {
			response["releaseUrl"] = info.ReleaseURL
		}
	}

	respondJSON(w, http.StatusOK, response)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	st := cardReader.Status()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"bound":   st.Bound,
		"offline": st.Offline,
	})
}

func handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if shutdownHandler == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go func() {
		shutdownHandler()
	}()
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

func handleAutostart(w http.ResponseWriter, r *http.Request) {
	svc := service.New()

	switch r.Method {
	case http.MethodGet:
		// Get auto-start status
		installed := svc.IsInstalled()
		status, _ := svc.Status()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": installed,
			"status":  status,
		})

	case http.MethodPost:
		// Enable auto-start
		if svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already enabled",
			})
			return
		}

		if err := svc.Install(); err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start enabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start enabled",
		})

	case http.MethodDelete:
		// Disable auto-start
		if !svc.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{
				"success": "auto-start already disabled",
			})
			return
		}

		if err := svc.Uninstall(); err != nil {
			logging.Error(logging.CatSystem, "Failed to disable auto-start", map[string]any{
				"error": err.Error(),
			})
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": err.Error(),
			})
			return
		}

		logging.Info(logging.CatSystem, "Auto-start disabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "auto-start disabled",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		category := logging.Category(query.Get("category"))

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.GetLogs(limit, category),
		})

	case http.MethodDelete:
		logging.Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Check if requesting a specific crash log
		filename := query.Get("file")
		if filename != "" {
			content, err := logging.ReadCrashLog(filename)
			if err != nil {
				respondJSON(w, http.StatusNotFound, map[string]string{
					"error": "crash log not found: " + err.Error(),
				})
				return
			}
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"filename": filename,
				"content":  content,
			})
			return
		}

		// List crash logs
		limit := 20
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 100 {
					limit = 100
				}
			}
		}

		logs, err := logging.ListCrashLogs(limit)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to list crash logs: " + err.Error(),
			})
			return
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashes":  logs,
			"crashDir": logging.CrashLogDir(),
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"offlineMode":    s.OfflineMode,
		})

	case http.MethodPost:
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
			OfflineMode    *bool `json:"offlineMode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}
		if req.OfflineMode != nil {
			if err := settings.SetOfflineMode(*req.OfflineMode); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}

		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"offlineMode":    s.OfflineMode,
			"message":        "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// handleUpdates checks for available updates from GitHub releases
func handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Initialize update checker if not already done
	if updateChecker == nil {
		InitUpdateChecker()
	}

	// Check if force refresh is requested
	forceRefresh := r.URL.Query().Get("refresh") == "true"

	info := updateChecker.Check(forceRefresh)

	respondJSON(w, http.StatusOK, info)
}
