package validation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestIsValidID(t *testing.T) {
	valid := []string{
		"trd_0123456789abcdef01234567",
		"esc_aaaaaaaaaaaaaaaaaaaaaaaa",
	}
	for _, id := range valid {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "trd_short", "TRD_0123456789abcdef01234567", "trade-1"}
	for _, id := range invalid {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true, want false", id)
		}
	}
}

func TestIsValidUserID(t *testing.T) {
	if !IsValidUserID("alice-42") {
		t.Error("expected alice-42 to be valid")
	}
	if IsValidUserID("") || IsValidUserID(strings.Repeat("a", 65)) || IsValidUserID("bad user") {
		t.Error("expected invalid user ids to be rejected")
	}
}

func TestSanitizeText(t *testing.T) {
	got := SanitizeText("  hello\x00world  ", 100)
	if got != "helloworld" {
		t.Errorf("SanitizeText = %q", got)
	}
	if got := SanitizeText(strings.Repeat("x", 50), 10); len(got) != 10 {
		t.Errorf("SanitizeText did not truncate, len = %d", len(got))
	}
}

func TestSanitizeTextKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; a byte-index cut at 5 would land mid-rune.
	got := SanitizeText("ababé", 5)
	if !utf8.ValidString(got) {
		t.Fatalf("SanitizeText produced invalid UTF-8: %q", got)
	}
	if got != "abab" {
		t.Errorf("SanitizeText = %q, want %q", got, "abab")
	}

	// A bound past the end leaves multibyte text untouched.
	if got := SanitizeText("héllo", 100); got != "héllo" {
		t.Errorf("SanitizeText = %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		ValidUserID("buyer_id", ""),
		ValidAmount("amount", "-5"),
		NonEmpty("reason", "fine"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}

func TestValidate_AllPass(t *testing.T) {
	errs := Validate(
		ValidUserID("buyer_id", "alice"),
		ValidAmount("amount", "100.5"),
	)
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}
