package internal

import "testing"

func TestNewOTP(t *testing.T) {
	for _, digits := range []int{6, 8, 10} {
		otp, err := NewOTP(digits)
		if err != nil {
			t.Fatalf("otp generation failed: %v", err)
		}
		if len(otp) != digits || !IsNumeric(otp) {
			t.Fatalf("bad otp %q for %d digits", otp, digits)
		}
	}
	if _, err := NewOTP(4); err == nil {
		t.Fatalf("expected short otp length to fail")
	}
}

func TestNewLinkTokenUnique(t *testing.T) {
	a, err := NewLinkToken()
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	b, err := NewLinkToken()
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	if a == b {
		t.Fatalf("tokens must not repeat")
	}
	if len(a) != 43 {
		t.Fatalf("unexpected token length %d", len(a))
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@Example.COM "); got != "alice@example.com" {
		t.Fatalf("got %q", got)
	}
	// Plus suffixes are distinct deliverable destinations.
	if got := NormalizeEmail("a+b@x.com"); got != "a+b@x.com" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+1 (555) 010-9999": "+15550109999",
		" 555.010.9999 ":    "5550109999",
		"abc":               "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskDestinations(t *testing.T) {
	if got := MaskEmail("alice@example.com"); got != "a***@example.com" {
		t.Fatalf("got %q", got)
	}
	if got := MaskPhone("+15550109999"); got != "***9999" {
		t.Fatalf("got %q", got)
	}
	if got := MaskPhone("+123"); got != "***" {
		t.Fatalf("got %q", got)
	}
}
