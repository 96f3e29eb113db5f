package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrClassNotFound   = errors.New("class not found")
	ErrStudentNotFound = errors.New("student not found")
	ErrEmptyName       = errors.New("name required")
)

// AddStudent adds name to the class unless an equivalent name is present.
func AddStudent(s Snapshot, classID, name string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return s, ErrEmptyName
	}
	out := s.Clone()
	i := out.ClassIndex(classID)
	if i < 0 {
		return s, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	out.Classes[i].Students = UnionStudents(out.Classes[i].Students, []string{name})
	return out, nil
}

// RemoveStudent drops every spelling of name from the class.
func RemoveStudent(s Snapshot, classID, name string) (Snapshot, error) {
	if strings.TrimSpace(name) == "" {
		return s, ErrEmptyName
	}
	out := s.Clone()
	i := out.ClassIndex(classID)
	if i < 0 {
		return s, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	if !ContainsStudent(out.Classes[i].Students, name) {
		return s, fmt.Errorf("%w: %s", ErrStudentNotFound, name)
	}
	kept := make([]string, 0, len(out.Classes[i].Students))
	for _, st := range out.Classes[i].Students {
		if !SameName(st, name) {
			kept = append(kept, st)
		}
	}
	out.Classes[i].Students = kept
	return out, nil
}

// RenameStudent replaces oldName with newName in place. Renaming onto a name
// that already exists in the class collapses the two entries.
func RenameStudent(s Snapshot, classID, oldName, newName string) (Snapshot, error) {
	newName = strings.TrimSpace(newName)
	if strings.TrimSpace(oldName) == "" || newName == "" {
		return s, ErrEmptyName
	}
	out := s.Clone()
	i := out.ClassIndex(classID)
	if i < 0 {
		return s, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	if !ContainsStudent(out.Classes[i].Students, oldName) {
		return s, fmt.Errorf("%w: %s", ErrStudentNotFound, oldName)
	}
	renamed := make([]string, 0, len(out.Classes[i].Students))
	for _, st := range out.Classes[i].Students {
		if SameName(st, oldName) {
			st = newName
		}
		renamed = append(renamed, st)
	}
	out.Classes[i].Students = UniqueStudents(renamed)
	return out, nil
}

// UpsertClass creates the class or updates its name and teacher. The roster
// of an existing class is left alone unless cls carries students.
func UpsertClass(s Snapshot, cls ClassRecord) (Snapshot, error) {
	cls.ID = strings.TrimSpace(cls.ID)
	if cls.ID == "" {
		return s, ErrEmptyName
	}
	out := s.Clone()
	i := out.ClassIndex(cls.ID)
	if i < 0 {
		if cls.Name == "" {
			cls.Name = cls.ID
		}
		cls.Students = UniqueStudents(cls.Students)
		out.Classes = append(out.Classes, cls)
		return out, nil
	}
	existing := &out.Classes[i]
	if cls.Name != "" {
		existing.Name = cls.Name
	}
	if cls.Teacher != "" {
		existing.Teacher = cls.Teacher
	}
	if len(cls.Students) > 0 {
		existing.Students = UniqueStudents(cls.Students)
	}
	return out, nil
}

// RemoveClass deletes the class together with the submissions that refer to
// it. Left behind, those submissions would rebuild the class on the next heal.
func RemoveClass(s Snapshot, classID string) (Snapshot, error) {
	out := s.Clone()
	i := out.ClassIndex(classID)
	if i < 0 {
		return s, fmt.Errorf("%w: %s", ErrClassNotFound, classID)
	}
	removed := out.Classes[i]
	out.Classes = append(out.Classes[:i], out.Classes[i+1:]...)

	kept := make([]Submission, 0, len(out.Submissions))
	for _, sub := range out.Submissions {
		if !refersTo(sub, removed) {
			kept = append(kept, sub)
		}
	}
	out.Submissions = kept
	return out, nil
}

// refersTo reports whether sub belongs to c: by classId when it has one,
// otherwise by className against the class id or display name.
func refersTo(sub Submission, c ClassRecord) bool {
	if id := sub.ClassID(); id != "" {
		return SameName(id, c.ID)
	}
	name := sub.ClassName()
	if name == "" {
		return false
	}
	return SameName(name, c.ID) || SameName(name, c.Name)
}

// StudentHit is one result of FindStudents.
type StudentHit struct {
	ClassID string `json:"classId"`
	Student string `json:"student"`
}

// FindStudents returns students whose normalized name contains query, capped
// at limit results when limit is positive.
func FindStudents(s Snapshot, query string, limit int) []StudentHit {
	q := NormalizeName(query)
	if q == "" {
		return nil
	}
	var hits []StudentHit
	for _, c := range s.Classes {
		for _, st := range c.Students {
			if strings.Contains(NormalizeName(st), q) {
				hits = append(hits, StudentHit{ClassID: c.ID, Student: st})
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].ClassID < hits[j].ClassID })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
