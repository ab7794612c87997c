package search

import "github.com/kalambet/crossdisc/internal/gateway"

// manualReason marks disciplines the user added by name.
const manualReason = "用户手动添加"

// Selection is an ordered set of disciplines, unique by Name.
type Selection []gateway.Discipline

// NewSelection builds a selection from ds, keeping the first entry for
// each name.
func NewSelection(ds []gateway.Discipline) Selection {
	sel := make(Selection, 0, len(ds))
	for _, d := range ds {
		sel = sel.Add(d)
	}
	return sel
}

// SelectionFromNames builds a selection from bare names.
func SelectionFromNames(names []string) Selection {
	ds := make([]gateway.Discipline, len(names))
	for i, n := range names {
		ds[i] = gateway.NamedDiscipline(n)
	}
	return NewSelection(ds)
}

// Contains reports whether a discipline with name is selected.
func (s Selection) Contains(name string) bool {
	for _, d := range s {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Add returns s with d appended, unless a discipline with the same name
// is already present.
func (s Selection) Add(d gateway.Discipline) Selection {
	if d.Name == "" || s.Contains(d.Name) {
		return s
	}
	if d.ID == "" {
		d.ID = d.Name
	}
	if d.SearchKeywords == nil {
		d.SearchKeywords = []string{}
	}
	return append(s, d)
}

// AddName adds a bare discipline name as a manual addition.
func (s Selection) AddName(name string) Selection {
	d := gateway.NamedDiscipline(name)
	d.Reason = manualReason
	return s.Add(d)
}

// Remove returns a copy of s without the discipline named name.
func (s Selection) Remove(name string) Selection {
	out := make(Selection, 0, len(s))
	for _, d := range s {
		if d.Name != name {
			out = append(out, d)
		}
	}
	return out
}

// Names returns the discipline names in insertion order.
func (s Selection) Names() []string {
	names := make([]string, len(s))
	for i, d := range s {
		names[i] = d.Name
	}
	return names
}

// clone deep-copies s so callers cannot alias store state.
func (s Selection) clone() Selection {
	if s == nil {
		return nil
	}
	out := make(Selection, len(s))
	for i, d := range s {
		d.SearchKeywords = append([]string{}, d.SearchKeywords...)
		out[i] = d
	}
	return out
}
