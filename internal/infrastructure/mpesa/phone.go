package mpesa

import (
	"strings"

	"stkpay/internal/domain"
)

const (
	countryCode      = "254"
	normalizedLength = 12
)

// NormalizePhone converts local (07XXXXXXXX), bare (7XXXXXXXX) and international
// (+254 7XX XXX XXX) forms into 2547XXXXXXXX.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, countryCode):
		return digits
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:]
	case len(digits) == 9:
		return countryCode + digits
	}
	return digits
}

func ValidatePhone(raw string) (string, error) {
	phone := NormalizePhone(raw)
	if len(phone) != normalizedLength || !strings.HasPrefix(phone, countryCode) {
		return "", domain.NewValidationError("phone", "must be a Kenyan mobile number such as 0712345678")
	}
	if c := phone[len(countryCode)]; c != '7' && c != '1' {
		return "", domain.NewValidationError("phone", "must be a Kenyan mobile number such as 0712345678")
	}
	return phone, nil
}
