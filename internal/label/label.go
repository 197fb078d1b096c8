// Package label renders the sticker handed to the patient: a plain-text
// layout for generic drivers and ZPL for the Zebra printers most counters
// run.
package label

import (
	"fmt"
	"strings"

	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/patient"
)

// Options describes the label stock and printer features.
type Options struct {
	WidthMM    int
	HeightMM   int
	Barcode    bool   // Code 128 of the patient ID at the bottom
	ClinicName string // optional header line
}

// DefaultOptions matches the 50x35 mm stock shipped with the reader kits.
func DefaultOptions() Options {
	return Options{WidthMM: 50, HeightMM: 35, Barcode: true}
}

// RenderText builds the plain-text label. Line order is fixed; empty
// optional fields drop their whole line rather than printing a blank.
func RenderText(rec *patient.Record, opts Options) string {
	var b strings.Builder
	if opts.ClinicName != "" {
		b.WriteString(opts.ClinicName + "\n")
	}
	b.WriteString(rec.Name)
	if rec.Sex != "" {
		b.WriteString("  " + rec.Sex)
	}
	b.WriteString("\n")
	b.WriteString(rec.ID + "\n")
	if rec.DOB != "" {
		b.WriteString("生日 " + rec.DOB + "\n")
	}
	b.WriteString(rec.ReadTime + "\n")
	if rec.Note != "" {
		b.WriteString(rec.Note + "\n")
	}

	logging.Debug(logging.CatPrint, "Text label rendered", map[string]any{
		"id": rec.ID,
	})
	return b.String()
}

// Zebra 203 dpi heads print 8 dots per millimetre.
const dotsPerMM = 8

// RenderZPL builds the ZPL II job for one label. ^CI28 switches the
// printer to UTF-8 so the CJK name survives; font 0 scales it.
func RenderZPL(rec *patient.Record, opts Options) string {
	w := opts.WidthMM * dotsPerMM
	h := opts.HeightMM * dotsPerMM

	var b strings.Builder
	b.WriteString("^XA")
	b.WriteString("^CI28")
	b.WriteString(fmt.Sprintf("^PW%d", w))
	b.WriteString(fmt.Sprintf("^LL%d", h))

	y := 16
	if opts.ClinicName != "" {
		b.WriteString(fmt.Sprintf("^FO16,%d^A0N,24,24^FD%s^FS", y, zplEscape(opts.ClinicName)))
		y += 32
	}

	nameLine := rec.Name
	if rec.Sex != "" {
		nameLine += "  " + rec.Sex
	}
	b.WriteString(fmt.Sprintf("^FO16,%d^A0N,36,36^FD%s^FS", y, zplEscape(nameLine)))
	y += 44

	b.WriteString(fmt.Sprintf("^FO16,%d^A0N,28,28^FD%s^FS", y, zplEscape(rec.ID)))
	y += 34

	if rec.DOB != "" {
		b.WriteString(fmt.Sprintf("^FO16,%d^A0N,24,24^FD%s^FS", y, zplEscape(rec.DOB)))
		y += 30
	}
	b.WriteString(fmt.Sprintf("^FO16,%d^A0N,20,20^FD%s^FS", y, zplEscape(rec.ReadTime)))
	y += 28

	if opts.Barcode && y+50 <= h {
		b.WriteString(fmt.Sprintf("^FO16,%d^BY2^BCN,40,N,N,N^FD%s^FS", y, zplEscape(rec.ID)))
	}

	b.WriteString("^XZ")

	logging.Debug(logging.CatPrint, "ZPL label rendered", map[string]any{
		"id":    rec.ID,
		"bytes": b.Len(),
	})
	return b.String()
}

// zplEscape neutralizes the ZPL control characters inside field data.
func zplEscape(s string) string {
	return strings.NewReplacer("^", " ", "~", " ").Replace(s)
}
