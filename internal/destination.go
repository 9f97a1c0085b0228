package internal

import "strings"

// NormalizeEmail canonicalizes an email address for binding and indexing:
// trimmed and lower-cased. Plus-suffix stripping is deliberately not done;
// a+b@x.com is a distinct deliverable destination.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// NormalizePhone canonicalizes a phone number to a leading optional '+'
// followed by digits only. Separators and whitespace are dropped.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '+' && b.Len() == 0:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// MaskEmail renders an address for receipts without disclosing the mailbox:
// first rune kept, the rest of the local part replaced, domain preserved
// (j***@x.com).
func MaskEmail(norm string) string {
	at := strings.IndexByte(norm, '@')
	if at <= 0 {
		return "***"
	}
	return norm[:1] + "***" + norm[at:]
}

// MaskPhone keeps the last four digits of a normalized number.
func MaskPhone(norm string) string {
	digits := strings.TrimPrefix(norm, "+")
	if len(digits) <= 4 {
		return "***"
	}
	return "***" + digits[len(digits)-4:]
}
