package activity

import (
	"fmt"

	"amaliyah/internal/model"
)

// Diff lists the semantic changes that turn before into after. Events come in
// a stable order: per class of after (added, updated, student changes), then
// removed classes, then submissions. A no-op write yields nil.
//
// Students of a newly added class are covered by its class_added event.
func Diff(before, after model.Snapshot, actorRole string) []Entry {
	var out []Entry

	beforeClasses := indexClasses(before.Classes)
	afterClasses := indexClasses(after.Classes)

	for _, ac := range after.Classes {
		bc, ok := beforeClasses[model.NormalizeName(ac.ID)]
		if !ok {
			out = append(out, Entry{
				EventType: ClassAdded,
				Message:   fmt.Sprintf("class added: %s - %s", ac.ID, ac.Name),
				ActorRole: actorRole,
				ClassID:   ac.ID,
			})
			continue
		}
		if bc.Name != ac.Name || bc.Teacher != ac.Teacher {
			out = append(out, Entry{
				EventType: ClassUpdated,
				Message:   fmt.Sprintf("class updated: %s", ac.ID),
				ActorRole: actorRole,
				ClassID:   ac.ID,
			})
		}
		for _, name := range missingFrom(ac.Students, bc.Students) {
			out = append(out, Entry{
				EventType:   StudentAdded,
				Message:     fmt.Sprintf("student added: %s (%s)", name, ac.ID),
				ActorRole:   actorRole,
				ClassID:     ac.ID,
				StudentName: name,
			})
		}
		for _, name := range missingFrom(bc.Students, ac.Students) {
			out = append(out, Entry{
				EventType:   StudentRemoved,
				Message:     fmt.Sprintf("student removed: %s (%s)", name, ac.ID),
				ActorRole:   actorRole,
				ClassID:     ac.ID,
				StudentName: name,
			})
		}
	}

	for _, bc := range before.Classes {
		if _, ok := afterClasses[model.NormalizeName(bc.ID)]; !ok {
			out = append(out, Entry{
				EventType: ClassRemoved,
				Message:   fmt.Sprintf("class removed: %s - %s", bc.ID, bc.Name),
				ActorRole: actorRole,
				ClassID:   bc.ID,
			})
		}
	}

	beforeSubs := make(map[string]model.Submission, len(before.Submissions))
	for _, s := range before.Submissions {
		beforeSubs[s.Key()] = s
	}
	for _, s := range model.DedupeSubmissions(after.Submissions) {
		prev, ok := beforeSubs[s.Key()]
		switch {
		case !ok:
			out = append(out, submissionEntry(SubmissionAdded, "submission added", s, actorRole))
		case !prev.Equal(s):
			out = append(out, submissionEntry(SubmissionUpdated, "submission updated", s, actorRole))
		}
	}
	return out
}

// Restored is the event recorded when a daily backup replaces the current
// snapshot.
func Restored(day string, snap model.Snapshot, actorRole string) Entry {
	return Entry{
		EventType: BackupRestored,
		Message:   fmt.Sprintf("daily backup restored: %s", day),
		ActorRole: actorRole,
		EventDate: day,
		Metadata: map[string]any{
			"day":             day,
			"classCount":      len(snap.Classes),
			"submissionCount": len(snap.Submissions),
		},
	}
}

func submissionEntry(t EventType, verb string, s model.Submission, actorRole string) Entry {
	student := orDash(s.StudentName())
	class := orDash(s.ClassKey())
	return Entry{
		EventType:   t,
		Message:     fmt.Sprintf("%s: %s (%s) %s", verb, student, class, s.Date()),
		ActorRole:   actorRole,
		ClassID:     s.ClassID(),
		StudentName: s.StudentName(),
		EventDate:   s.Date(),
	}
}

func indexClasses(classes []model.ClassRecord) map[string]model.ClassRecord {
	out := make(map[string]model.ClassRecord, len(classes))
	for _, c := range classes {
		key := model.NormalizeName(c.ID)
		if _, dup := out[key]; !dup {
			out[key] = c
		}
	}
	return out
}

// missingFrom returns the names of a with no normalized match in b.
func missingFrom(a, b []string) []string {
	have := make(map[string]struct{}, len(b))
	for _, n := range b {
		have[model.NormalizeName(n)] = struct{}{}
	}
	var out []string
	for _, n := range model.UniqueStudents(a) {
		if _, ok := have[model.NormalizeName(n)]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
