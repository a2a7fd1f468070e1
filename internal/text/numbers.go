package text

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	commaNumberRe = regexp.MustCompile(`[0-9][0-9,]+[0-9]`)
	dollarsRe     = regexp.MustCompile(`\$([0-9.,]*[0-9]+)`)
	poundsRe      = regexp.MustCompile(`£([0-9,]*[0-9]+)`)
	decimalRe     = regexp.MustCompile(`([0-9]+)\.([0-9]+)`)
	ordinalRe     = regexp.MustCompile(`([0-9]+)(st|nd|rd|th)\b`)
	numberRe      = regexp.MustCompile(`[0-9]+`)

	ones = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}

	scales = []struct {
		value int64
		name  string
	}{
		{1_000_000_000_000, "trillion"},
		{1_000_000_000, "billion"},
		{1_000_000, "million"},
		{1_000, "thousand"},
	}

	irregularOrdinals = map[string]string{
		"one": "first", "two": "second", "three": "third", "five": "fifth",
		"eight": "eighth", "nine": "ninth", "twelve": "twelfth",
	}
)

// ExpandNumbers spells out currency amounts, decimals, ordinals and
// integers.
func ExpandNumbers(s string) string {
	s = commaNumberRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ReplaceAll(m, ",", "")
	})
	s = poundsRe.ReplaceAllString(s, "$1 pounds")
	s = dollarsRe.ReplaceAllStringFunc(s, func(m string) string {
		return expandDollars(m[1:])
	})
	s = decimalRe.ReplaceAllStringFunc(s, func(m string) string {
		whole, frac, _ := strings.Cut(m, ".")
		return whole + " point " + strings.Join(strings.Split(frac, ""), " ")
	})
	s = ordinalRe.ReplaceAllStringFunc(s, func(m string) string {
		return Ordinal(mustAtoi(m[:len(m)-2]))
	})

	return numberRe.ReplaceAllStringFunc(s, func(m string) string {
		if len(m) > 1 && m[0] == '0' {
			digits := make([]string, len(m))
			for i, c := range m {
				digits[i] = ones[c-'0']
			}

			return strings.Join(digits, " ")
		}

		return Cardinal(mustAtoi(m))
	})
}

func mustAtoi(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

func expandDollars(amount string) string {
	whole, frac, _ := strings.Cut(strings.ReplaceAll(amount, ",", ""), ".")
	dollars, cents := mustAtoi(whole), int64(0)
	if frac != "" {
		cents = mustAtoi(frac)
	}

	unit := func(n int64, one, many string) string {
		if n == 1 {
			return strconv.FormatInt(n, 10) + " " + one
		}

		return strconv.FormatInt(n, 10) + " " + many
	}

	switch {
	case dollars > 0 && cents > 0:
		return unit(dollars, "dollar", "dollars") + ", " + unit(cents, "cent", "cents")
	case cents > 0:
		return unit(cents, "cent", "cents")
	default:
		return unit(dollars, "dollar", "dollars")
	}
}

// Cardinal spells out n in English words.
func Cardinal(n int64) string {
	if n < 0 {
		return "minus " + Cardinal(-n)
	}

	if n < 20 {
		return ones[n]
	}

	if n < 100 {
		if n%10 == 0 {
			return tens[n/10]
		}

		return tens[n/10] + " " + ones[n%10]
	}

	if n < 1000 {
		if n%100 == 0 {
			return ones[n/100] + " hundred"
		}

		return ones[n/100] + " hundred " + Cardinal(n%100)
	}

	for _, sc := range scales {
		if n >= sc.value {
			head := Cardinal(n/sc.value) + " " + sc.name
			if rest := n % sc.value; rest > 0 {
				return head + " " + Cardinal(rest)
			}

			return head
		}
	}

	return strconv.FormatInt(n, 10)
}

// Ordinal spells out n as an ordinal ("twenty first").
func Ordinal(n int64) string {
	words := strings.Fields(Cardinal(n))
	last := words[len(words)-1]

	switch {
	case irregularOrdinals[last] != "":
		last = irregularOrdinals[last]
	case strings.HasSuffix(last, "y"):
		last = strings.TrimSuffix(last, "y") + "ieth"
	default:
		last += "th"
	}

	words[len(words)-1] = last

	return strings.Join(words, " ")
}
