// Package model defines the shared dataset: the class roster and the daily
// activity submissions, plus the pure operations on them that both the server
// and the client synchronizer rely on.
package model

import (
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// StateID is the singleton key of the current snapshot.
const StateID = "main"

// ClassRecord represents one class and its student roster.
type ClassRecord struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Teacher  string   `json:"teacher"`
	Students []string `json:"students"`
}

// MarshalJSON always emits students as an array.
func (c ClassRecord) MarshalJSON() ([]byte, error) {
	type plain ClassRecord
	p := plain(c)
	if p.Students == nil {
		p.Students = []string{}
	}
	return json.Marshal(p)
}

// UnmarshalJSON accepts loosely typed input: ids may be numbers and a
// students value that is not an array is read as an empty roster.
func (c *ClassRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = coerceString(raw["id"])
	c.Name = coerceString(raw["name"])
	c.Teacher = coerceString(raw["teacher"])
	c.Students = coerceStrings(raw["students"])
	return nil
}

// Clone returns a copy that shares no slices with c.
func (c ClassRecord) Clone() ClassRecord {
	out := c
	out.Students = append([]string{}, c.Students...)
	return out
}

// Snapshot is the unit of persistence and synchronization.
type Snapshot struct {
	Classes     []ClassRecord `json:"classes"`
	Submissions []Submission  `json:"submissions"`
}

// MarshalJSON always emits both lists as arrays.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	type plain Snapshot
	p := plain(s)
	if p.Classes == nil {
		p.Classes = []ClassRecord{}
	}
	if p.Submissions == nil {
		p.Submissions = []Submission{}
	}
	return json.Marshal(p)
}

// Clone deep-copies the class list and shallow-copies every submission.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Classes:     make([]ClassRecord, 0, len(s.Classes)),
		Submissions: make([]Submission, 0, len(s.Submissions)),
	}
	for _, c := range s.Classes {
		out.Classes = append(out.Classes, c.Clone())
	}
	for _, sub := range s.Submissions {
		out.Submissions = append(out.Submissions, sub.Clone())
	}
	return out
}

// IsRich reports whether the snapshot carries real data: any submission or
// any class with at least one student.
func (s Snapshot) IsRich() bool {
	if len(s.Submissions) > 0 {
		return true
	}
	for _, c := range s.Classes {
		if len(c.Students) > 0 {
			return true
		}
	}
	return false
}

// ClassIndex returns the position of the class whose id matches id after
// normalization, or -1.
func (s Snapshot) ClassIndex(id string) int {
	want := NormalizeName(id)
	if want == "" {
		return -1
	}
	for i, c := range s.Classes {
		if NormalizeName(c.ID) == want {
			return i
		}
	}
	return -1
}

func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func coerceStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return UniqueStudents(ss)
		}
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := coerceString(item); s != "" {
			out = append(out, s)
		}
	}
	return UniqueStudents(out)
}
