package lexicon

import (
	"fmt"
	"strings"
)

// bibleBook maps an abbreviation pattern to the spoken book name.
type bibleBook struct {
	abbrev   string // regex alternation, without the trailing period
	name     string
	numbered bool
}

var bibleBooks = []bibleBook{
	{abbrev: "Gen|Gn", name: "Genesis"},
	{abbrev: "Exod", name: "Exodus"},
	{abbrev: "Lev|Lv", name: "Leviticus"},
	{abbrev: "Num|Nm", name: "Numbers"},
	{abbrev: "Deut|Dt", name: "Deuteronomy"},
	{abbrev: "Josh|Jos", name: "Joshua"},
	{abbrev: "Judg|Jdg", name: "Judges"},
	{abbrev: "Sam|Sm", name: "Samuel", numbered: true},
	{abbrev: "Kgs|Kg", name: "Kings", numbered: true},
	{abbrev: "Chron|Chr", name: "Chronicles", numbered: true},
	{abbrev: "Neh", name: "Nehemiah"},
	{abbrev: "Esth", name: "Esther"},
	{abbrev: "Pss|Ps", name: "Psalm"},
	{abbrev: "Prov|Prv", name: "Proverbs"},
	{abbrev: "Eccl|Eccles", name: "Ecclesiastes"},
	{abbrev: "Isa", name: "Isaiah"},
	{abbrev: "Jer", name: "Jeremiah"},
	{abbrev: "Lam", name: "Lamentations"},
	{abbrev: "Ezek|Ez", name: "Ezekiel"},
	{abbrev: "Dan|Dn", name: "Daniel"},
	{abbrev: "Hos", name: "Hosea"},
	{abbrev: "Obad", name: "Obadiah"},
	{abbrev: "Mic", name: "Micah"},
	{abbrev: "Nah", name: "Nahum"},
	{abbrev: "Hab", name: "Habakkuk"},
	{abbrev: "Zeph", name: "Zephaniah"},
	{abbrev: "Hag", name: "Haggai"},
	{abbrev: "Zech", name: "Zechariah"},
	{abbrev: "Mal", name: "Malachi"},
	{abbrev: "Matt|Mt", name: "Matthew"},
	{abbrev: "Mk", name: "Mark"},
	{abbrev: "Lk", name: "Luke"},
	{abbrev: "Jn", name: "John", numbered: true},
	{abbrev: "Rom", name: "Romans"},
	{abbrev: "Cor", name: "Corinthians", numbered: true},
	{abbrev: "Gal", name: "Galatians"},
	{abbrev: "Eph", name: "Ephesians"},
	{abbrev: "Phil", name: "Philippians"},
	{abbrev: "Col", name: "Colossians"},
	{abbrev: "Thess|Thes", name: "Thessalonians", numbered: true},
	{abbrev: "Tim", name: "Timothy", numbered: true},
	{abbrev: "Phlm|Philem", name: "Philemon"},
	{abbrev: "Heb", name: "Hebrews"},
	{abbrev: "Jas", name: "James"},
	{abbrev: "Pet|Pt", name: "Peter", numbered: true},
	{abbrev: "Rev|Rv", name: "Revelation"},
}

var ordinals = []string{"First", "Second", "Third"}

// SystemDefaults returns the built-in pronunciation rules: Bible book
// abbreviations followed by a chapter number, and verse markers.
func SystemDefaults() []Rule {
	rules := make([]Rule, 0, len(bibleBooks)*2+4)
	order := 0
	add := func(id, pattern, replacement string) {
		rules = append(rules, Rule{
			ID:          "system:" + id,
			Pattern:     pattern,
			Replacement: replacement,
			IsRegex:     true,
			Scope:       ScopeSystem,
			Order:       order,
			Label:       "Bible",
		})
		order++
	}

	for _, b := range bibleBooks {
		slug := strings.ToLower(b.name)
		if b.numbered {
			for i, ord := range ordinals {
				add(fmt.Sprintf("%s-%d", slug, i+1),
					fmt.Sprintf(`\b%d\s*(?:%s)\.(\s*\d)`, i+1, b.abbrev),
					fmt.Sprintf("%s %s${1}", ord, b.name))
			}
			if b.name != "John" {
				continue
			}
		}
		add(slug, fmt.Sprintf(`\b(?:%s)\.(\s*\d)`, b.abbrev), b.name+"${1}")
	}

	add("verses", `\bvv\.(\s*\d)`, "verses${1}")
	add("verse", `\bv\.(\s*\d)`, "verse${1}")
	add("chapter", `\bch\.(\s*\d)`, "chapter${1}")
	add("cf", `\bcf\.`, "compare")
	return rules
}
