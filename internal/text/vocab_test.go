package text

import (
	"strings"
	"testing"
)

const testChars = "abcdefghijklmnopqrstuvwxyz ."

func TestVocabularyRoundTrip(t *testing.T) {
	v, err := NewVocabulary(testChars, "_")
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}

	in := "hello world."

	got := v.Decode(v.Encode(in))
	if got != in {
		t.Fatalf("round trip = %q, want %q", got, in)
	}
}

func TestVocabularyDropsUnknown(t *testing.T) {
	v, err := NewVocabulary(testChars, "_")
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}

	got := v.Decode(v.Encode("héllo!"))
	if got != "hllo" {
		t.Fatalf("unknown characters not dropped: got %q, want %q", got, "hllo")
	}
}

func TestVocabularySize(t *testing.T) {
	v, err := NewVocabulary("ab", "_")
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}

	if v.Size() != 3 {
		t.Fatalf("Size = %d, want 3 (two symbols + pad)", v.Size())
	}
}

func TestVocabularyPadIsIndexZero(t *testing.T) {
	v, err := NewVocabulary("ab", "_")
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}

	// Encoding the pad rune itself must produce nothing: index 0 is
	// reserved for padding and never appears in a text sequence.
	if ids := v.Encode("_a"); len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("Encode(\"_a\") = %v, want [1]", ids)
	}
}

func TestVocabularyErrors(t *testing.T) {
	_, err := NewVocabulary("aba", "_")
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("duplicate char err = %v, want duplicate error", err)
	}

	_, err = NewVocabulary("ab", "__")
	if err == nil || !strings.Contains(err.Error(), "single rune") {
		t.Fatalf("multi-rune pad err = %v, want pad error", err)
	}

	_, err = NewVocabulary("", "_")
	if err == nil || !strings.Contains(err.Error(), "must not be empty") {
		t.Fatalf("empty charset err = %v, want empty error", err)
	}
}

func TestVocabularyDecodeIgnoresOutOfRange(t *testing.T) {
	v, err := NewVocabulary("ab", "_")
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}

	if got := v.Decode([]int64{0, 1, 2, 3, -1}); got != "ab" {
		t.Fatalf("Decode = %q, want %q", got, "ab")
	}
}
