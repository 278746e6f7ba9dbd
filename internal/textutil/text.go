package textutil

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimSpace(s)
}

// ContainsTerm reports whether term occurs in text with no letter or digit
// directly on either side. Unlike \b it works for terms such as "c++" and
// "node.js". Both arguments are compared as given; lower-case them first.
func ContainsTerm(text, term string) bool {
	if term == "" {
		return false
	}
	for i := 0; i <= len(text)-len(term); {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(term)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		i = start + 1
	}
	return false
}

// ContainsAny is ContainsTerm over several terms.
func ContainsAny(text string, terms ...string) bool {
	for _, t := range terms {
		if ContainsTerm(text, t) {
			return true
		}
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

var (
	camelRe = regexp.MustCompile(`([a-z])([A-Z])`)
	sepRe   = regexp.MustCompile(`[_\-\[\]\.]+`)
)

// Humanize turns a form field name such as "firstName" or "urls[LinkedIn]"
// into lower-case words.
func Humanize(name string) string {
	s := camelRe.ReplaceAllString(name, "$1 $2")
	s = sepRe.ReplaceAllString(s, " ")
	return strings.ToLower(CleanText(s))
}
