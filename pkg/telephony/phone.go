package telephony

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizeKR converts a Korean phone number in local or international
// notation to E.164.
func NormalizeKR(raw string) (string, error) {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	digits = strings.TrimPrefix(digits, "82")
	digits = strings.TrimPrefix(digits, "0")
	if len(digits) < 7 || len(digits) > 11 {
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	return "+82" + digits, nil
}
