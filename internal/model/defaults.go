package model

// DefaultClasses is the roster a device starts with before it has ever
// synchronized.
func DefaultClasses() []ClassRecord {
	return []ClassRecord{
		{ID: "7A", Name: "7 Al-Farabi", Teacher: "Ust. Abdullah", Students: []string{"Ahmad", "Budi", "Citra", "Doni"}},
		{ID: "8A", Name: "8 Al-Fatih", Teacher: "Usth. Siti Aminah", Students: []string{"Fulan bin Fulan", "Gita", "Hadi", "Indah"}},
		{ID: "9A", Name: "9 Al-Khawarizmi", Teacher: "Ust. Zulkifli", Students: []string{"Kiki", "Lina", "Maman", "Nina"}},
	}
}

// DefaultSnapshot wraps DefaultClasses with no submissions.
func DefaultSnapshot() Snapshot {
	return Snapshot{Classes: DefaultClasses(), Submissions: []Submission{}}
}
