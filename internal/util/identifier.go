package util

import "strings"

// NormalizeIdentifier canonicalizes a login identifier so rate limits,
// lookups, and hashes agree on a single form. E-mail addresses are
// trimmed and lower-cased; anything else is treated as a phone number
// and reduced to its national digits.
func NormalizeIdentifier(identifier string) string {
	s := strings.TrimSpace(identifier)
	if strings.ContainsRune(s, '@') {
		return strings.ToLower(s)
	}
	return normalizePhone(s)
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	// Strip the country code and trunk prefix for Indian numbers.
	if len(digits) >= 12 && strings.HasPrefix(digits, "91") {
		digits = digits[2:]
	}
	for len(digits) > 10 && digits[0] == '0' {
		digits = digits[1:]
	}
	return digits
}

// ValidIdentifier reports whether the normalized identifier looks like
// an e-mail address or a 10-digit mobile number.
func ValidIdentifier(identifier string) bool {
	s := NormalizeIdentifier(identifier)
	if s == "" {
		return false
	}
	if at := strings.IndexByte(s, '@'); at > 0 {
		domain := s[at+1:]
		return len(domain) >= 3 && strings.ContainsRune(domain, '.')
	}
	return len(s) == 10 && s[0] >= '6' && s[0] <= '9'
}

// MaskIdentifier hides the middle of an identifier for logs and API
// responses: j***e@example.com, ******7890.
func MaskIdentifier(identifier string) string {
	if at := strings.IndexByte(identifier, '@'); at > 0 {
		local, domain := identifier[:at], identifier[at:]
		if len(local) <= 2 {
			return "**" + domain
		}
		return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + domain
	}
	if len(identifier) <= 4 {
		return strings.Repeat("*", len(identifier))
	}
	return strings.Repeat("*", len(identifier)-4) + identifier[len(identifier)-4:]
}
