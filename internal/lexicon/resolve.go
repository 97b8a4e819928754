package lexicon

import (
	"sort"
)

// Preferences decide whether system-default rules take part in resolution.
type Preferences struct {
	// SystemEnabled is the global toggle.
	SystemEnabled bool

	// Book overrides the global toggle for one book.
	Book Preference
}

// SystemActive reports whether system-default rules should run.
func (p Preferences) SystemActive() bool {
	switch p.Book {
	case PreferOn:
		return true
	case PreferOff:
		return false
	default:
		return p.SystemEnabled
	}
}

// Resolve orders rules for application:
//
//	book rules flagged before-global
//	global rules
//	system-default rules (when active)
//	book rules flagged after-global
//
// Each group keeps its own Order. Book rules for other books are ignored
// when bookID is not empty.
// TODO: revisit where system defaults sit once users can express "my rule
// must beat the built-in one" explicitly.
func Resolve(bookID string, global, book, system []Rule, prefs Preferences) []Rule {
	var before, after []Rule
	for _, r := range book {
		if bookID != "" && r.BookID != "" && r.BookID != bookID {
			continue
		}
		if r.EffectivePriority() == BeforeGlobal {
			before = append(before, r)
		} else {
			after = append(after, r)
		}
	}

	out := make([]Rule, 0, len(before)+len(global)+len(system)+len(after))
	out = append(out, sortedByOrder(before)...)
	out = append(out, sortedByOrder(global)...)
	if prefs.SystemActive() {
		out = append(out, sortedByOrder(system)...)
	}
	out = append(out, sortedByOrder(after)...)
	return out
}

func sortedByOrder(rules []Rule) []Rule {
	if len(rules) < 2 {
		return rules
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}
