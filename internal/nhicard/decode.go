package nhicard

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/cliniops/nhi-agent/internal/logging"
	"github.com/cliniops/nhi-agent/internal/patient"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// BasicDataLayout is the vendor contract for the basic-data blob. The
// defaults match the reference reader firmware, but installations differ;
// both values are configurable and must not be assumed universal.
type BasicDataLayout struct {
	BufferSize    int // bytes handed to the native call
	IDOffset      int // 0-based rune offset of the fixed ID fallback
	IDLength      int
	CardSerialLen int // leading card serial, always present
}

// DefaultBasicDataLayout returns the reference layout (72-byte buffer,
// ID fallback at characters 33-42 counting from 1).
func DefaultBasicDataLayout() BasicDataLayout {
	return BasicDataLayout{
		BufferSize:    72,
		IDOffset:      32,
		IDLength:      10,
		CardSerialLen: 12,
	}
}

var (
	idRe    = regexp.MustCompile(`[A-Z][0-9]{9}`)
	nameRe  = regexp.MustCompile(`\p{Han}{2,5}`)
	cjkRe   = regexp.MustCompile(`\p{Han}+`)
	dob7Re  = regexp.MustCompile(`[0-9]{7}`)
	dob78Re = regexp.MustCompile(`[0-9]{7,8}`)
)

// decodeBig5 converts a native double-byte buffer to UTF-8, dropping NUL
// padding. Undecodable bytes are replaced, not fatal; the parse decides
// whether anything usable survived.
func decodeBig5(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	decoded, _, err := transform.Bytes(traditionalchinese.Big5.NewDecoder(), b)
	if err != nil {
		// Partial output is still worth feeding to the cascade
		logging.Warn(logging.CatDecode, "Big5 decode incomplete", map[string]any{
			"error": err.Error(),
		})
	}
	return string(decoded)
}

// ParseBasicData decodes the positional basic-data blob from the 72-byte
// call. This parser is selected by the producing strategy, never re-detected
// from content: a basic-data blob that happens to contain a delimiter still
// goes through here.
func ParseBasicData(blob []byte, layout BasicDataLayout) (patient.Raw, error) {
	text := decodeBig5(blob)
	runes := []rune(text)

	raw := patient.Raw{Blob: blob}

	// The leading segment is always the card serial, whatever the rest of
	// the parse does.
	if len(runes) >= layout.CardSerialLen {
		raw.CardNumber = strings.TrimSpace(string(runes[:layout.CardSerialLen]))
	}

	nameLoc := nameRe.FindStringIndex(text)
	if nameLoc != nil {
		raw.FullName = text[nameLoc[0]:nameLoc[1]]
	}

	// The ID follows the name; search from there when we have one.
	idSearch := text
	idBase := 0
	if nameLoc != nil {
		idSearch = text[nameLoc[1]:]
		idBase = nameLoc[1]
	}
	idLoc := idRe.FindStringIndex(idSearch)
	idEnd := -1
	if idLoc != nil {
		raw.IDNumber = idSearch[idLoc[0]:idLoc[1]]
		idEnd = idBase + idLoc[1]
	} else if len(runes) >= layout.IDOffset+layout.IDLength {
		// Last resort: the fixed vendor offset, for this field alone
		raw.IDNumber = strings.TrimSpace(string(runes[layout.IDOffset : layout.IDOffset+layout.IDLength]))
		logging.Debug(logging.CatDecode, "ID taken from fixed offset", map[string]any{
			"offset": layout.IDOffset,
		})
	}

	if idEnd >= 0 && idEnd < len(text) {
		rest := text[idEnd:]
		if dobLoc := dob7Re.FindStringIndex(rest); dobLoc != nil {
			raw.BirthDate = rest[dobLoc[0]:dobLoc[1]]
			after := []rune(rest[dobLoc[1]:])
			if len(after) > 0 && after[0] != ' ' {
				raw.Sex = string(after[0])
			}
		}
	}

	if raw.IDNumber == "" || raw.FullName == "" {
		return raw, &CardError{
			Kind:    KindDecodeFailed,
			Message: "basic-data blob did not yield an ID and a name",
		}
	}
	return raw, nil
}

// textDelimiters tried in order by the delimiter parse.
var textDelimiters = []string{"|", ",", "\t", ";"}

// ParseText decodes generic textual card output through the cascade:
// delimiter split, then fixed columns, then a plain regex sweep. The first
// step that yields both mandatory fields wins.
func ParseText(text string, blob []byte) (patient.Raw, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return patient.Raw{Blob: blob}, &CardError{
			Kind:    KindDecodeFailed,
			Message: "card call returned empty data",
		}
	}

	if raw, ok := parseDelimited(trimmed); ok {
		raw.Blob = blob
		logging.Debug(logging.CatDecode, "Delimiter parse succeeded", nil)
		return raw, nil
	}
	if raw, ok := parseFixedColumns(trimmed); ok {
		raw.Blob = blob
		logging.Debug(logging.CatDecode, "Fixed-column parse succeeded", nil)
		return raw, nil
	}
	if raw, ok := parseRegex(trimmed); ok {
		raw.Blob = blob
		logging.Debug(logging.CatDecode, "Regex parse succeeded", nil)
		return raw, nil
	}

	return patient.Raw{Blob: blob}, &CardError{
		Kind:    KindDecodeFailed,
		Message: "unrecognized card data format",
	}
}

func parseDelimited(text string) (patient.Raw, bool) {
	for _, delim := range textDelimiters {
		if !strings.Contains(text, delim) {
			continue
		}
		parts := strings.Split(text, delim)
		if len(parts) < 3 {
			continue
		}
		raw := patient.Raw{
			IDNumber:  strings.TrimSpace(parts[0]),
			FullName:  strings.TrimSpace(parts[1]),
			BirthDate: strings.TrimSpace(parts[2]),
		}
		if len(parts) > 3 {
			raw.Sex = strings.TrimSpace(parts[3])
		}
		if len(parts) > 4 {
			raw.CardNumber = strings.TrimSpace(parts[4])
		}
		if raw.IDNumber == "" || raw.FullName == "" {
			continue
		}
		return raw, true
	}
	return patient.Raw{}, false
}

// Fixed column layout: ID 10 + name 20 + birth date 8 + sex 1 + card 12.
func parseFixedColumns(text string) (patient.Raw, bool) {
	runes := []rune(text)
	if len(runes) < 38 {
		return patient.Raw{}, false
	}
	raw := patient.Raw{
		IDNumber:  strings.TrimSpace(string(runes[0:10])),
		FullName:  strings.TrimSpace(string(runes[10:30])),
		BirthDate: strings.TrimSpace(string(runes[30:38])),
	}
	if len(runes) > 38 {
		raw.Sex = strings.TrimSpace(string(runes[38:39]))
	}
	if len(runes) > 50 {
		raw.CardNumber = strings.TrimSpace(string(runes[39:51]))
	}
	if !idRe.MatchString(raw.IDNumber) || raw.FullName == "" {
		return patient.Raw{}, false
	}
	return raw, true
}

func parseRegex(text string) (patient.Raw, bool) {
	idLoc := idRe.FindStringIndex(text)
	name := cjkRe.FindString(text)
	if idLoc == nil || name == "" {
		return patient.Raw{}, false
	}
	// The ID's own digit run must not feed the birth-date sweep.
	rest := text[:idLoc[0]] + text[idLoc[1]:]
	return patient.Raw{
		IDNumber:  text[idLoc[0]:idLoc[1]],
		FullName:  name,
		BirthDate: dob78Re.FindString(rest),
	}, true
}
