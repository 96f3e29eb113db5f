// Package merge combines two snapshots of the dataset into one.
//
// Everything here is pure: no I/O, no clocks, no shared state. The same
// functions run on the server when a client pushes and on the client when it
// reconciles its cache with the server copy.
//
// Policy, per entity:
//   - Classes are keyed by normalized id. A class only in the incoming
//     snapshot is adopted; one only in the existing snapshot is kept, since
//     synchronization never deletes. When both sides have the class, the
//     incoming non-empty name and teacher win and the rosters are unioned.
//     An incoming class with no students never clears an existing roster.
//   - Submissions are keyed by (classKey, studentName, date). The incoming
//     record replaces the existing one whole.
//   - Healing then synthesizes a class for every submission whose class
//     reference resolves to nothing.
package merge

import (
	"amaliyah/internal/model"
)

// Merge returns the combination of existing and incoming. Conflicting keys
// resolve to the incoming side.
func Merge(existing, incoming model.Snapshot) model.Snapshot {
	subs := MergeSubmissions(existing.Submissions, incoming.Submissions)
	classes, _ := Heal(MergeClasses(existing.Classes, incoming.Classes), subs)
	return model.Snapshot{Classes: classes, Submissions: subs}
}

// MergeClasses merges two class lists. The result lists existing classes in
// their original order followed by classes new in incoming.
func MergeClasses(existing, incoming []model.ClassRecord) []model.ClassRecord {
	out := make([]model.ClassRecord, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))

	add := func(c model.ClassRecord) {
		key := classKey(c)
		if key == "" {
			return
		}
		if i, ok := index[key]; ok {
			out[i] = combine(out[i], c)
			return
		}
		c = c.Clone()
		if c.ID == "" {
			c.ID = c.Name
		}
		c.Students = model.UniqueStudents(c.Students)
		index[key] = len(out)
		out = append(out, c)
	}
	for _, c := range existing {
		add(c)
	}
	for _, c := range incoming {
		add(c)
	}
	return out
}

func combine(base, inc model.ClassRecord) model.ClassRecord {
	out := base.Clone()
	if inc.Name != "" {
		out.Name = inc.Name
	}
	if inc.Teacher != "" {
		out.Teacher = inc.Teacher
	}
	switch {
	case len(inc.Students) == 0:
		// a payload without a roster is a partial update
	case len(out.Students) == 0:
		out.Students = model.UniqueStudents(inc.Students)
	default:
		out.Students = model.UnionStudents(out.Students, inc.Students)
	}
	return out
}

func classKey(c model.ClassRecord) string {
	if key := model.NormalizeName(c.ID); key != "" {
		return key
	}
	return model.NormalizeName(c.Name)
}

// MergeSubmissions unions both lists and collapses duplicate composite keys,
// letting the incoming copy win.
func MergeSubmissions(existing, incoming []model.Submission) []model.Submission {
	all := make([]model.Submission, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)
	return model.DedupeSubmissions(all)
}
