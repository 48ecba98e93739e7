package scope

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Describe renders a human label for approval surfaces
// Purely syntactic: the domain segment is titlecased and underscores become
// spaces. Unclassified input comes back unchanged so the user sees exactly
// what was asked for
func Describe(s string) string {
	sc := Parse(s)
	switch sc.Kind {
	case KindMaster:
		return "full access to your vault"
	case KindDynamicWildcard:
		return "all your " + title(words(sc.Domain)) + " data"
	case KindDynamicSpecific:
		return "your " + title(words(sc.Domain)) + " " + words(sc.Key)
	case KindStatic:
		return title(words(strings.ReplaceAll(sc.Raw, ".", " ")))
	default:
		return sc.Raw
	}
}

// title builds a fresh caser per call; casers carry state and must not be
// shared across goroutines
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// words turns identifier underscores into spaces
func words(seg string) string {
	return strings.ReplaceAll(seg, "_", " ")
}
