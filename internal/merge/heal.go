package merge

import (
	"amaliyah/internal/model"
)

// Heal appends a minimal class for every submission whose class reference
// resolves to no class, and returns how many classes it added.
//
// A submission with a classId resolves by id only. One without resolves by
// its className against both ids and display names. Synthesized classes
// carry the students of the submissions that referenced them; existing
// rosters are never touched.
func Heal(classes []model.ClassRecord, subs []model.Submission) ([]model.ClassRecord, int) {
	out := make([]model.ClassRecord, 0, len(classes))
	byID := make(map[string]int, len(classes))
	byName := make(map[string]int, len(classes))
	for _, c := range classes {
		out = append(out, c.Clone())
		register(byID, model.NormalizeName(c.ID), len(out)-1)
		register(byName, model.NormalizeName(c.Name), len(out)-1)
	}

	synthesized := make(map[int]bool)
	for _, sub := range subs {
		idx, ok := resolve(sub, byID, byName)
		if !ok {
			ref := sub.ClassKey()
			if ref == "" {
				continue
			}
			name := sub.ClassName()
			if name == "" {
				name = ref
			}
			out = append(out, model.ClassRecord{ID: ref, Name: name, Students: []string{}})
			idx = len(out) - 1
			register(byID, model.NormalizeName(ref), idx)
			register(byName, model.NormalizeName(name), idx)
			synthesized[idx] = true
		}
		if synthesized[idx] {
			if student := sub.StudentName(); student != "" {
				out[idx].Students = model.UnionStudents(out[idx].Students, []string{student})
			}
		}
	}
	return out, len(synthesized)
}

func resolve(sub model.Submission, byID, byName map[string]int) (int, bool) {
	if id := model.NormalizeName(sub.ClassID()); id != "" {
		i, ok := byID[id]
		return i, ok
	}
	name := model.NormalizeName(sub.ClassName())
	if name == "" {
		return 0, false
	}
	if i, ok := byID[name]; ok {
		return i, true
	}
	i, ok := byName[name]
	return i, ok
}

func register(index map[string]int, key string, i int) {
	if key == "" {
		return
	}
	if _, taken := index[key]; !taken {
		index[key] = i
	}
}
