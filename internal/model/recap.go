package model

import (
	"math"
	"time"
)

const (
	regularDayItems = 12
	haidDayItems    = 5
)

// Recap summarizes one student's submissions over a date range.
type Recap struct {
	Student    string         `json:"student"`
	ClassKey   string         `json:"classKey"`
	Days       int            `json:"days"`
	Submitted  int            `json:"submitted"`
	HaidDays   int            `json:"haidDays"`
	Score      int            `json:"score"`
	MaxScore   int            `json:"maxScore"`
	Percentage int            `json:"percentage"`
	Counts     map[string]int `json:"counts"`
}

// BuildRecap scores the student's submissions for every day in [from, to].
// Haid days only score the five acts that remain applicable; days without a
// submission count toward the maximum with zero earned.
func BuildRecap(subs []Submission, classKey, student string, from, to time.Time) Recap {
	byDate := make(map[string]Submission)
	for _, sub := range subs {
		if !SameName(sub.StudentName(), student) {
			continue
		}
		if !SameName(sub.ClassKey(), classKey) && !SameName(sub.ClassName(), classKey) {
			continue
		}
		byDate[sub.Date()] = sub
	}

	r := Recap{Student: student, ClassKey: classKey, Counts: map[string]int{}}
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		r.Days++
		sub, ok := byDate[day.Format("2006-01-02")]
		if !ok {
			r.MaxScore += regularDayItems
			continue
		}
		r.Submitted++
		if sub.Bool(FieldIsHaid) {
			r.HaidDays++
			r.MaxScore += haidDayItems
			for _, f := range []string{FieldDzikir, FieldBirrul, FieldCeramah, FieldTakjil, FieldSedekah} {
				r.award(f, sub.Bool(f))
			}
			continue
		}
		r.MaxScore += regularDayItems
		r.award(FieldPuasa, sub.String(FieldPuasa) == "Ya")
		r.award(FieldSholatWajib, anyPrayer(sub[FieldSholatWajib]))
		r.award(FieldTarawih, sub.Bool(FieldTarawih))
		r.award(FieldRawatib, sub.Number(FieldRawatib) > 0)
		r.award("tilawah", sub.Bool(FieldTilawahQuran) || sub.Bool(FieldTilawahJilid))
		for _, f := range []string{FieldDzikir, FieldDhuha, FieldTahajjud, FieldBirrul, FieldCeramah, FieldTakjil, FieldSedekah} {
			r.award(f, sub.Bool(f))
		}
	}
	if r.MaxScore > 0 {
		r.Percentage = int(math.Round(float64(r.Score) / float64(r.MaxScore) * 100))
	}
	return r
}

func (r *Recap) award(item string, ok bool) {
	if ok {
		r.Score++
		r.Counts[item]++
	}
}

func anyPrayer(v any) bool {
	prayers, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, done := range prayers {
		if b, ok := done.(bool); ok && b {
			return true
		}
	}
	return false
}
