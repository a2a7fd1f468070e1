package text

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestEnglishTextToSequence(t *testing.T) {
	fe := NewEnglish(nil, 1)

	got, err := fe.TextToSequence("Hi.", 0)
	if err != nil {
		t.Fatalf("TextToSequence: %v", err)
	}

	want := []int64{35, 36, 60, EOSID}
	if !slices.Equal(got, want) {
		t.Fatalf("sequence = %v, want %v", got, want)
	}

	if fe.NVocab() != 149 {
		t.Fatalf("NVocab = %d, want 149", fe.NVocab())
	}
}

func TestEnglishNeverEmitsReservedIDs(t *testing.T) {
	fe := NewEnglish(nil, 1)

	seq, err := fe.TextToSequence("a_b~c #", 0)
	if err != nil {
		t.Fatalf("TextToSequence: %v", err)
	}

	for i, id := range seq[:len(seq)-1] {
		if id == PadID || id == EOSID {
			t.Fatalf("seq[%d] = %d is reserved", i, id)
		}
	}
}

func TestEnglishBracedPhones(t *testing.T) {
	fe := NewEnglish(nil, 1)

	seq, err := fe.TextToSequence("say {HH AH0 L OW1} now", 0)
	if err != nil {
		t.Fatalf("TextToSequence: %v", err)
	}

	symbols := Symbols()
	var decoded []string
	for _, id := range seq {
		decoded = append(decoded, symbols[id])
	}

	got := strings.Join(decoded, "|")
	want := "s|a|y| |@HH|@AH0|@L|@OW1| |n|o|w|~"
	if got != want {
		t.Fatalf("decoded = %s, want %s", got, want)
	}

	if _, err := fe.TextToSequence("{XX}", 0); err == nil {
		t.Fatal("expected error for unknown phone")
	}
}

func TestEnglishPronunciationMixing(t *testing.T) {
	lex, err := ReadLexicon(strings.NewReader(";;; comment\nHELLO  HH AH0 L OW1\nHELLO(1)  HH EH0 L OW1\n"))
	if err != nil {
		t.Fatalf("ReadLexicon: %v", err)
	}

	if len(lex) != 1 || lex["HELLO"] != "HH AH0 L OW1" {
		t.Fatalf("lexicon = %v", lex)
	}

	fe := NewEnglish(lex, 7)

	plain, err := fe.TextToSequence("hello world", 0)
	if err != nil {
		t.Fatalf("TextToSequence: %v", err)
	}

	mixed, err := fe.TextToSequence("hello world", 1)
	if err != nil {
		t.Fatalf("TextToSequence: %v", err)
	}

	// "hello" (5 chars) becomes 4 phones.
	if len(mixed) != len(plain)-1 {
		t.Fatalf("mixed length %d, plain %d", len(mixed), len(plain))
	}

	if Symbols()[mixed[0]] != "@HH" {
		t.Fatalf("first symbol = %s, want @HH", Symbols()[mixed[0]])
	}
}

func TestEnglishEmptyText(t *testing.T) {
	fe := NewEnglish(nil, 1)

	for _, in := range []string{"", "   ", "###"} {
		if _, err := fe.TextToSequence(in, 0); !errors.Is(err, ErrEmptyText) {
			t.Errorf("TextToSequence(%q) err = %v, want ErrEmptyText", in, err)
		}
	}
}

func TestNewFrontend(t *testing.T) {
	if _, err := New("en", nil, 0); err != nil {
		t.Fatalf("New(en): %v", err)
	}

	if _, err := New("jp", nil, 0); err == nil {
		t.Fatal("expected error for unknown frontend")
	}
}
