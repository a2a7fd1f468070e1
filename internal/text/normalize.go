package text

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ErrEmptyText is returned when the input text is empty or whitespace-only.
var ErrEmptyText = errors.New("text: empty input")

// Normalize trims surrounding whitespace, normalizes line endings to \n and
// rejects empty input.
func Normalize(s string) (string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyText
	}

	return s, nil
}

var (
	whitespaceRe = regexp.MustCompile(`\s+`)

	punctuation = strings.NewReplacer(
		"–", "-", "—", "-", "‑", "-",
		"“", "\"", "”", "\"",
		"‘", "'", "’", "'", "´", "'", "`", "'",
		"…", "...",
	)

	abbreviations = []struct {
		re   *regexp.Regexp
		full string
	}{
		{regexp.MustCompile(`\bmrs\.`), "misess"},
		{regexp.MustCompile(`\bmr\.`), "mister"},
		{regexp.MustCompile(`\bdr\.`), "doctor"},
		{regexp.MustCompile(`\bst\.`), "saint"},
		{regexp.MustCompile(`\bco\.`), "company"},
		{regexp.MustCompile(`\bjr\.`), "junior"},
		{regexp.MustCompile(`\bmaj\.`), "major"},
		{regexp.MustCompile(`\bgen\.`), "general"},
		{regexp.MustCompile(`\bdrs\.`), "doctors"},
		{regexp.MustCompile(`\brev\.`), "reverend"},
		{regexp.MustCompile(`\blt\.`), "lieutenant"},
		{regexp.MustCompile(`\bhon\.`), "honorable"},
		{regexp.MustCompile(`\bsgt\.`), "sergeant"},
		{regexp.MustCompile(`\bcapt\.`), "captain"},
		{regexp.MustCompile(`\besq\.`), "esquire"},
		{regexp.MustCompile(`\bltd\.`), "limited"},
		{regexp.MustCompile(`\bcol\.`), "colonel"},
		{regexp.MustCompile(`\bft\.`), "fort"},
	}
)

// toASCII decomposes accented letters and drops what has no ASCII form.
func toASCII(s string) string {
	s = punctuation.Replace(norm.NFKD.String(s))

	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) || r > unicode.MaxASCII {
			return -1
		}

		return r
	}, s)
}

// CleanEnglish converts text to lowercase ASCII with numbers and common
// abbreviations spelled out and runs of whitespace collapsed to one space.
func CleanEnglish(s string) string {
	s = toASCII(s)
	s = strings.ToLower(s)
	s = ExpandNumbers(s)

	for _, a := range abbreviations {
		s = a.re.ReplaceAllString(s, a.full)
	}

	return whitespaceRe.ReplaceAllString(s, " ")
}

// WordCount returns the number of whitespace-separated words.
func WordCount(s string) int {
	return len(strings.FieldsFunc(s, unicode.IsSpace))
}
