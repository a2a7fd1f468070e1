// Package text turns raw sentences into the token id sequences the model is
// trained on.
package text

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Frontend converts text to token ids. p is the probability of replacing a
// word with its dictionary pronunciation.
type Frontend interface {
	TextToSequence(text string, p float64) ([]int64, error)
	NVocab() int
}

const (
	pad = "_"
	eos = "~"

	characters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz!'(),-.:;? "
)

var arpabet = []string{
	"AA", "AA0", "AA1", "AA2", "AE", "AE0", "AE1", "AE2", "AH", "AH0", "AH1", "AH2",
	"AO", "AO0", "AO1", "AO2", "AW", "AW0", "AW1", "AW2", "AY", "AY0", "AY1", "AY2",
	"B", "CH", "D", "DH", "EH", "EH0", "EH1", "EH2", "ER", "ER0", "ER1", "ER2", "EY",
	"EY0", "EY1", "EY2", "F", "G", "HH", "IH", "IH0", "IH1", "IH2", "IY", "IY0", "IY1",
	"IY2", "JH", "K", "L", "M", "N", "NG", "OW", "OW0", "OW1", "OW2", "OY", "OY0",
	"OY1", "OY2", "P", "R", "S", "SH", "T", "TH", "UH", "UH0", "UH1", "UH2", "UW",
	"UW0", "UW1", "UW2", "V", "W", "Y", "Z", "ZH",
}

// Symbols returns the vocabulary in id order: padding, end of sequence, the
// character set, then "@"-prefixed ARPAbet phones.
func Symbols() []string {
	out := []string{pad, eos}
	for _, c := range characters {
		out = append(out, string(c))
	}

	for _, p := range arpabet {
		out = append(out, "@"+p)
	}

	return out
}

// PadID and EOSID are the ids of the padding and end-of-sequence symbols.
const (
	PadID int64 = 0
	EOSID int64 = 1
)

// New returns the frontend registered under name.
func New(name string, lex Lexicon, seed uint64) (Frontend, error) {
	switch name {
	case "en":
		return NewEnglish(lex, seed), nil
	default:
		return nil, fmt.Errorf("text: unknown frontend %q", name)
	}
}

// English is the character frontend with optional ARPAbet substitution.
type English struct {
	ids map[string]int64
	lex Lexicon

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEnglish builds the English frontend. lex may be nil, which disables
// pronunciation substitution.
func NewEnglish(lex Lexicon, seed uint64) *English {
	symbols := Symbols()
	ids := make(map[string]int64, len(symbols))
	for i, s := range symbols {
		ids[s] = int64(i)
	}

	return &English{
		ids: ids,
		lex: lex,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (e *English) NVocab() int { return len(e.ids) }

var bracedRe = regexp.MustCompile(`(?s)^(.*?)\{(.+?)\}(.*)$`)

// TextToSequence cleans text and maps it to ids terminated by EOSID. Text in
// curly braces is read as space-separated ARPAbet phones.
func (e *English) TextToSequence(text string, p float64) ([]int64, error) {
	text, err := Normalize(text)
	if err != nil {
		return nil, err
	}

	if p > 0 && e.lex != nil {
		text = e.mixPronunciation(text, p)
	}

	var seq []int64
	for text != "" {
		m := bracedRe.FindStringSubmatch(text)
		if m == nil {
			seq = e.appendChars(seq, CleanEnglish(text))
			break
		}

		seq = e.appendChars(seq, CleanEnglish(m[1]))
		for _, ph := range strings.Fields(m[2]) {
			id, ok := e.ids["@"+ph]
			if !ok {
				return nil, fmt.Errorf("text: unknown phone %q", ph)
			}

			seq = append(seq, id)
		}

		text = m[3]
	}

	if len(seq) == 0 {
		return nil, ErrEmptyText
	}

	return append(seq, EOSID), nil
}

func (e *English) appendChars(seq []int64, s string) []int64 {
	for _, c := range s {
		if id, ok := e.ids[string(c)]; ok && c != '_' && c != '~' {
			seq = append(seq, id)
		}
	}

	return seq
}

// mixPronunciation replaces each dictionary word with its braced phones with
// probability p.
func (e *English) mixPronunciation(text string, p float64) string {
	words := strings.Split(text, " ")

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, w := range words {
		core := strings.Trim(w, ".,!?;:'\"()")
		phones, ok := e.lex[strings.ToUpper(core)]
		if !ok || core == "" || e.rng.Float64() >= p {
			continue
		}

		words[i] = strings.Replace(w, core, "{"+phones+"}", 1)
	}

	return strings.Join(words, " ")
}

// Lexicon maps upper-case words to space-separated ARPAbet phones.
type Lexicon map[string]string

// ReadLexicon parses a CMUdict-formatted dictionary. Alternate
// pronunciations ("WORD(1)") and ";;;" comments are skipped.
func ReadLexicon(r io.Reader) (Lexicon, error) {
	lex := Lexicon{}
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";;;") {
			continue
		}

		word, phones, ok := strings.Cut(line, " ")
		if !ok || strings.HasSuffix(word, ")") {
			continue
		}

		lex[strings.ToUpper(word)] = strings.Join(strings.Fields(phones), " ")
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("text: read lexicon: %w", err)
	}

	return lex, nil
}

// LoadLexicon reads a CMUdict file from path.
func LoadLexicon(path string) (Lexicon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("text: open lexicon: %w", err)
	}
	defer f.Close()

	return ReadLexicon(f)
}
