// Package patient turns raw card fields into the normalized record the
// label and audit layers consume.
package patient

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cliniops/nhi-agent/internal/logging"
)

// Raw holds the fields extracted from a card blob before normalization.
// Optional fields may be empty; ID and Name are mandatory downstream.
type Raw struct {
	IDNumber   string
	FullName   string
	BirthDate  string
	Sex        string
	CardNumber string
	Blob       []byte // undecoded source payload, kept for diagnostics
}

// Record is the normalized, immutable patient record. It is built fresh for
// every successful read or manual entry and never persisted as a struct;
// only flattened audit rows survive it.
type Record struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DOB        string `json:"dob"`
	Sex        string `json:"sex,omitempty"`
	CardNumber string `json:"card_no,omitempty"`
	Note       string `json:"note,omitempty"`
	ReadTime   string `json:"read_time"`
}

// Birth-date pass-through markers for inputs the normalizer cannot parse.
const (
	DOBUnrecognized = "format unrecognized"
	DOBMissing      = "incomplete"
)

var idPattern = regexp.MustCompile(`^[A-Z][0-9]{9}$`)

// ValidationError reports a mandatory field failure.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Process validates the mandatory fields and normalizes the rest.
// ID and name must be present and well formed; everything else degrades to
// empty or marked values rather than failing the read.
func Process(raw Raw) (*Record, error) {
	id := strings.TrimSpace(raw.IDNumber)
	name := strings.TrimSpace(raw.FullName)

	if id == "" {
		return nil, &ValidationError{Field: "id", Reason: "empty"}
	}
	if !idPattern.MatchString(id) {
		return nil, &ValidationError{Field: "id", Reason: "must be one letter followed by nine digits"}
	}
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "empty"}
	}

	rec := &Record{
		ID:         id,
		Name:       name,
		DOB:        NormalizeBirthDate(raw.BirthDate),
		Sex:        NormalizeSex(raw.Sex),
		CardNumber: strings.TrimSpace(raw.CardNumber),
		ReadTime:   time.Now().Format("2006/01/02 15:04:05"),
	}

	logging.Info(logging.CatCard, "Patient record processed", map[string]any{
		"name": rec.Name,
	})

	return rec, nil
}

// NormalizeBirthDate converts a card date string to YYYY/MM/DD.
// Eight digits are read as Gregorian YYYYMMDD, seven as a ROC date whose
// three-digit year is offset by +1911. Anything else is passed through
// unchanged with a marker instead of raising, as the front desk can still
// print a label without a birth date.
func NormalizeBirthDate(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("-", "", "/", "").Replace(s)

	if s == "" {
		return DOBMissing
	}

	switch len(s) {
	case 8:
		if d, ok := buildDate(s[0:4], s[4:6], s[6:8], 0); ok {
			return d
		}
	case 7:
		if d, ok := buildDate(s[0:3], s[3:5], s[5:7], 1911); ok {
			return d
		}
	}

	logging.Warn(logging.CatCard, "Unrecognized birth date format", map[string]any{
		"value": s,
	})
	return s + " (" + DOBUnrecognized + ")"
}

func buildDate(ys, ms, ds string, yearOffset int) (string, bool) {
	year, err := strconv.Atoi(ys)
	if err != nil {
		return "", false
	}
	year += yearOffset
	month, err := strconv.Atoi(ms)
	if err != nil {
		return "", false
	}
	day, err := strconv.Atoi(ds)
	if err != nil {
		return "", false
	}
	if year < 1900 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return "", false
	}
	return fmt.Sprintf("%04d/%02d/%02d", year, month, day), true
}

// NormalizeSex maps the vendor sex codes to a display value.
func NormalizeSex(s string) string {
	switch strings.TrimSpace(s) {
	case "":
		return ""
	case "1", "M", "m":
		return "M"
	case "2", "F", "f":
		return "F"
	default:
		return "unknown"
	}
}

// WithNote returns a copy of the record with the note set. Records are
// value-immutable; callers never mutate one in place.
func (r Record) WithNote(note string) Record {
	r.Note = note
	return r
}
