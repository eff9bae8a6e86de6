package notify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ttacon/libphonenumber"
)

var ErrInvalidPhone = errors.New("notify: invalid phone number")

// NormalizePhone parses raw in the context of region (ISO 3166 code, e.g. "US")
// and returns it in E.164 form.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoRecipient
	}
	if region == "" {
		region = "US"
	}
	p, err := libphonenumber.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPhone, raw, err)
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}
