package protocol

import "testing"

func TestNewSessionTokenFormat(t *testing.T) {
	for i := 0; i < 1000; i++ {
		tok := NewSessionToken()
		if !ValidToken(tok) {
			t.Fatalf("generated token %q is not 6 uppercase alphanumerics", tok)
		}
	}
}

func TestNormalizeToken(t *testing.T) {
	if got := NormalizeToken("  ab12cd "); got != "AB12CD" {
		t.Fatalf("expected AB12CD, got %q", got)
	}
	if ValidToken("ab12cd") {
		t.Fatal("lowercase token should not be valid before normalization")
	}
	if ValidToken("AB12C") || ValidToken("AB12CD7") || ValidToken("AB-2CD") {
		t.Fatal("wrong length or alphabet should be rejected")
	}
}
