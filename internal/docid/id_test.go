package docid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRoundTrip(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := New()
		url := id.URL()
		got, err := Parse(url)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", url, err)
		}
		if got != id {
			t.Fatalf("round trip mismatch: want %v got %v", id, got)
		}
	}
}

func TestParseRejectsExtraCharacters(t *testing.T) {
	id := New()
	url := id.URL()
	if _, err := Parse(url + "x"); err == nil {
		t.Fatal("expected error for trailing garbage")
	}
	if _, err := Parse(strings.Replace(url, URLPrefix, URLPrefix+"!", 1)); err == nil {
		t.Fatal("expected error for corrupted prefix payload")
	}
}

func TestParseLegacyHyphenatedUUID(t *testing.T) {
	u := uuid.New()
	id, err := Parse(u.String())
	if err != nil {
		t.Fatalf("Parse legacy uuid failed: %v", err)
	}
	if id.String() == "" {
		t.Fatal("expected non-empty base58check string")
	}
	var want ID
	copy(want[:], u[:])
	if id != want {
		t.Fatalf("legacy uuid bytes mismatch: want %v got %v", want, id)
	}
}

func TestParseBareBase58Check(t *testing.T) {
	id := New()
	bare := id.String()
	got, err := Parse(bare)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", bare, err)
	}
	if got != id {
		t.Fatalf("mismatch: want %v got %v", id, got)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "automerge:", "not-a-valid-id", "automerge:0OIl"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", c)
		}
	}
}

func TestFromBytesLength(t *testing.T) {
	if _, err := FromBytes(make([]byte, 15)); err == nil {
		t.Fatal("expected error for short buffer")
	}
	if _, err := FromBytes(make([]byte, 16)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
