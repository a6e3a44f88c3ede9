package mpesa

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stkpay/internal/domain"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"0712345678":       "254712345678",
		"712345678":        "254712345678",
		"254712345678":     "254712345678",
		"+254 712 345 678": "254712345678",
		"0712-345-678":     "254712345678",
		"0110123456":       "254110123456",
		"12345":            "12345",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), in)
	}
}

func TestValidatePhone(t *testing.T) {
	phone, err := ValidatePhone("0712345678")
	require.NoError(t, err)
	assert.Equal(t, "254712345678", phone)

	for _, bad := range []string{"", "12345", "07123456789", "0212345678", "255712345678"} {
		_, err := ValidatePhone(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, domain.ErrValidation), bad)
	}
}
