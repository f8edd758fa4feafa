package chat

import "strings"

// NormalizePhone reduces a phone number to "+" followed by its digits. Numbers
// written with an international "00" prefix lose it. Returns "" when the
// value holds no digits.
func NormalizePhone(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if !strings.HasPrefix(value, "+") && strings.HasPrefix(digits, "00") {
		digits = strings.TrimLeft(digits, "0")
	}
	if digits == "" {
		return ""
	}
	return "+" + digits
}
