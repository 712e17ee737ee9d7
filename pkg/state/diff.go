package state

import (
	"sort"

	"github.com/cadforge/cadforge/pkg/models"
)

// ComputeDiff returns the change set that turns from's object set into to's.
// An object whose kind changed appears in Added with the new kind. Pure
// function: neither snapshot is mutated.
func ComputeDiff(from, to models.SessionSnapshot) models.StateDiff {
	diff := models.StateDiff{
		CountDelta:      len(to.Objects) - len(from.Objects),
		ErrorIntroduced: to.HasError && !from.HasError,
	}
	for name, kind := range to.Objects {
		if prev, ok := from.Objects[name]; !ok || prev != kind {
			if diff.Added == nil {
				diff.Added = make(map[string]string)
			}
			diff.Added[name] = kind
		}
	}
	for name := range from.Objects {
		if _, ok := to.Objects[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Removed)
	return diff
}

// ApplyDiff returns a copy of base with the diff applied. For any snapshots
// a and b, ApplyDiff(a, ComputeDiff(a, b)) has b's object set and error flag.
func ApplyDiff(base models.SessionSnapshot, diff models.StateDiff) models.SessionSnapshot {
	out := base
	out.Objects = make(map[string]string, len(base.Objects)+len(diff.Added))
	for name, kind := range base.Objects {
		out.Objects[name] = kind
	}
	for _, name := range diff.Removed {
		delete(out.Objects, name)
	}
	for name, kind := range diff.Added {
		out.Objects[name] = kind
	}
	if diff.ErrorIntroduced {
		out.HasError = true
	}
	return out
}
