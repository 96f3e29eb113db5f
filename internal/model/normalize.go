package model

import (
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/text/cases"
)

// NormalizeName folds case and collapses whitespace so "  budi " and "Budi"
// compare equal.
func NormalizeName(s string) string {
	collapsed := strings.Join(strings.Fields(s), " ")
	if collapsed == "" {
		return ""
	}
	return cases.Fold().String(collapsed)
}

// SameName reports whether two names refer to the same student.
func SameName(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// UniqueStudents drops blank names and later duplicates, keeping the first
// spelling seen. The result is never nil.
func UniqueStudents(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		key := NormalizeName(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// UnionStudents returns a followed by the names of b that a lacks.
func UnionStudents(a, b []string) []string {
	combined := make([]string, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	return UniqueStudents(combined)
}

// ContainsStudent reports whether names holds name under normalization.
func ContainsStudent(names []string, name string) bool {
	key := NormalizeName(name)
	for _, n := range names {
		if NormalizeName(n) == key {
			return true
		}
	}
	return false
}

// ParseClasses decodes a class list leniently. Input that is not an array
// (or a JSON string holding one) yields an empty list, and elements that are
// not objects are skipped.
func ParseClasses(raw []byte) []ClassRecord {
	items := parseRawArray(raw)
	out := make([]ClassRecord, 0, len(items))
	for _, item := range items {
		var c ClassRecord
		if err := json.Unmarshal(item, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ParseSubmissions decodes a submission list with the same leniency as
// ParseClasses.
func ParseSubmissions(raw []byte) []Submission {
	items := parseRawArray(raw)
	out := make([]Submission, 0, len(items))
	for _, item := range items {
		var sub map[string]any
		if err := json.Unmarshal(item, &sub); err != nil || sub == nil {
			continue
		}
		out = append(out, Submission(sub))
	}
	return out
}

func parseRawArray(raw []byte) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return items
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(nested), &items); err != nil {
		return nil
	}
	return items
}
