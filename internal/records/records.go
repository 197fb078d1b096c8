// Package records keeps the front-desk audit trail: one CSV per day,
// append-only, written where the clinic's reporting tools expect it.
package records

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/metrics"
	"github.com/cliniops/nhi-agent/internal/patient"
)

// utf8BOM leads every file so Excel opens the CJK columns correctly.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var header = []string{"read_time", "id", "name", "dob", "sex", "card_no", "print_count", "operation", "note"}

// Operation values for the audit column. Every action gets its own row;
// a print never rewrites the read row it followed.
const (
	OpRead   = "read"
	OpPrint  = "print"
	OpManual = "manual"

	// OfflineSuffix marks operations completed without the reader.
	OfflineSuffix = " (offline)"
)

// Row is one audit entry, flattened for CSV.
type Row struct {
	ReadTime  string `json:"read_time"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	DOB       string `json:"dob"`
	Sex       string `json:"sex"`
	CardNo    string `json:"card_no"`
	Printed   int    `json:"print_count"`
	Operation string `json:"operation"`
	Note      string `json:"note"`
}

// Manager owns the records directory. Appends are serialized; the daily
// file is created with header on first write of the day.
type Manager struct {
	mu  sync.Mutex
	dir string

	// now is swapped in tests to pin the day boundary.
	now func() time.Time
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir, now: time.Now}
}

// Dir returns the records directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) fileFor(t time.Time) string {
	return filepath.Join(m.dir, fmt.Sprintf("record_%s.csv", t.Format("20060102")))
}

// Append writes one audit row to today's file, creating it with the BOM
// and header when absent. printed is the label count for print rows and
// zero for everything else.
func (m *Manager) Append(rec *patient.Record, operation string, printed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("records dir: %w", err)
	}

	path := m.fileFor(m.now())
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open records file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("write BOM: %w", err)
		}
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	row := []string{rec.ReadTime, rec.ID, rec.Name, rec.DOB, rec.Sex, rec.CardNumber, strconv.Itoa(printed), operation, rec.Note}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}

	metrics.RecordWritten()
	logging.Info(logging.CatRecords, "Visit record appended", map[string]any{
		"file":      filepath.Base(path),
		"operation": operation,
	})
	return nil
}

// ReadDay returns the rows for one calendar day, newest first. A missing
// file is an empty day, not an error.
func (m *Manager) ReadDay(day time.Time) ([]Row, error) {
	rows, err := m.readFile(m.fileFor(day))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Today returns today's rows, newest first.
func (m *Manager) Today() ([]Row, error) {
	return m.ReadDay(m.now())
}

// Last returns the most recent row of today, or nil when the day is empty.
func (m *Manager) Last() (*Row, error) {
	rows, err := m.Today()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (m *Manager) readFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Skip the BOM if present
	head := make([]byte, len(utf8BOM))
	if n, _ := io.ReadFull(f, head); n < len(utf8BOM) || string(head) != string(utf8BOM) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []Row
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logging.Warn(logging.CatRecords, "Skipping malformed record row", map[string]any{
				"file":  filepath.Base(path),
				"error": err.Error(),
			})
			continue
		}
		if first {
			first = false
			if len(rec) > 0 && rec[0] == header[0] {
				continue
			}
		}
		rows = append(rows, rowFrom(rec))
	}
	return rows, nil
}

func rowFrom(rec []string) Row {
	get := func(i int) string {
		if i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	printed, _ := strconv.Atoi(get(6))
	return Row{
		ReadTime: get(0), ID: get(1), Name: get(2), DOB: get(3),
		Sex: get(4), CardNo: get(5), Printed: printed,
		Operation: get(7), Note: get(8),
	}
}

// Stats summarizes one day for the status endpoint. Labels is the sum of
// print counts across print rows, which can exceed Prints when the
// operator runs multiple labels per job.
type Stats struct {
	Date   string `json:"date"`
	Total  int    `json:"total"`
	Reads  int    `json:"reads"`
	Prints int    `json:"prints"`
	Labels int    `json:"labels"`
	Manual int    `json:"manual"`
	Unique int    `json:"unique_patients"`
}

// StatsFor computes the summary for one calendar day. Offline variants
// count under their base operation.
func (m *Manager) StatsFor(day time.Time) (Stats, error) {
	rows, err := m.ReadDay(day)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Date: day.Format("2006/01/02"), Total: len(rows)}
	seen := make(map[string]struct{})
	for _, r := range rows {
		switch {
		case strings.HasPrefix(r.Operation, OpManual):
			st.Manual++
		case strings.HasPrefix(r.Operation, OpPrint):
			st.Prints++
			st.Labels += r.Printed
		default:
			st.Reads++
		}
		seen[r.ID] = struct{}{}
	}
	st.Unique = len(seen)
	return st, nil
}

// Backup copies every daily file into dstDir. Existing copies are
// overwritten; the operation is restartable.
func (m *Manager) Backup(dstDir string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return 0, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "record_") && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	copied := 0
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return copied, err
		}
		if err := os.WriteFile(filepath.Join(dstDir, name), data, 0644); err != nil {
			return copied, err
		}
		copied++
	}

	logging.Info(logging.CatRecords, "Records backed up", map[string]any{
		"files": copied,
		"to":    dstDir,
	})
	return copied, nil
}
