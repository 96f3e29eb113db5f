package model

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Submission field names.
const (
	FieldID           = "id"
	FieldClassID      = "classId"
	FieldClassName    = "className"
	FieldStudentName  = "studentName"
	FieldDate         = "date"
	FieldTimestamp    = "timestamp"
	FieldIsHaid       = "isHaid"
	FieldPuasa        = "puasa"
	FieldSholatWajib  = "sholatWajib"
	FieldDzikir       = "dzikir"
	FieldTahajjud     = "tahajjud"
	FieldTakjil       = "takjil"
	FieldSedekah      = "sedekah"
	FieldCeramah      = "ceramah"
	FieldTarawih      = "tarawih"
	FieldRawatib      = "rawatib"
	FieldSilaturahim  = "silaturahim"
	FieldTilawahQuran = "tilawahQuran"
	FieldTilawahJilid = "tilawahJilid"
	FieldBirrul       = "birrul"
	FieldDhuha        = "dhuha"
)

// Submission is one student's self-reported activity for one day. The record
// is an open bag of fields: unknown keys are carried through untouched.
type Submission map[string]any

// String returns the field as a trimmed string, coercing numbers and bools.
func (s Submission) String(field string) string { return coerceString(s[field]) }

// Bool reports whether the field holds a truthy value.
func (s Submission) Bool(field string) bool {
	switch t := s[field].(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

// Number returns the field as a number; strings are parsed, anything else is 0.
func (s Submission) Number(field string) float64 {
	switch t := s[field].(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func (s Submission) ClassID() string     { return s.String(FieldClassID) }
func (s Submission) ClassName() string   { return s.String(FieldClassName) }
func (s Submission) StudentName() string { return s.String(FieldStudentName) }
func (s Submission) Date() string        { return s.String(FieldDate) }

// ClassKey prefers the class id and falls back to the class display name.
func (s Submission) ClassKey() string {
	if id := s.ClassID(); id != "" {
		return id
	}
	return s.ClassName()
}

// Key is the composite identity (classKey, studentName, date).
func (s Submission) Key() string {
	return s.ClassKey() + "::" + s.StudentName() + "::" + s.Date()
}

// Clone copies the top-level fields.
func (s Submission) Clone() Submission {
	out := make(Submission, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal compares two submissions structurally through their canonical JSON
// encoding, so numeric types and key order do not matter.
func (s Submission) Equal(other Submission) bool {
	a, errA := canonicalJSON(s)
	b, errB := canonicalJSON(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func canonicalJSON(v any) ([]byte, error) {
	// Round-trip through a generic value so every number is a float64 and
	// map keys are emitted sorted.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// DedupeSubmissions collapses records sharing a composite key. The last
// record wins and takes the position of the key's first occurrence.
func DedupeSubmissions(subs []Submission) []Submission {
	index := make(map[string]int, len(subs))
	out := make([]Submission, 0, len(subs))
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		key := sub.Key()
		if i, ok := index[key]; ok {
			out[i] = sub
			continue
		}
		index[key] = len(out)
		out = append(out, sub)
	}
	return out
}

// NormalizeSubmissions fills a missing classId from the class whose display
// name matches the submission's className.
func NormalizeSubmissions(subs []Submission, classes []ClassRecord) []Submission {
	byName := make(map[string]string, len(classes))
	for _, c := range classes {
		if key := NormalizeName(c.Name); key != "" {
			if _, taken := byName[key]; !taken {
				byName[key] = c.ID
			}
		}
	}
	out := make([]Submission, 0, len(subs))
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if sub.ClassID() == "" {
			if id, ok := byName[NormalizeName(sub.ClassName())]; ok && id != "" {
				sub = sub.Clone()
				sub[FieldClassID] = id
			}
		}
		out = append(out, sub)
	}
	return out
}
