package messaging

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DefaultCountryCode is prefixed to national numbers.
const DefaultCountryCode = "55"

// phoneNumberRegex matches every non-digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// NormalizePhone canonicalizes a phone number or WhatsApp JID to digits with
// the country code. Ten and eleven digit national numbers, and any number not
// already starting with the country code, get it prefixed.
func NormalizePhone(raw string) (string, error) {
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	canonical := phoneNumberRegex.ReplaceAllString(raw, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits in %q", models.ErrInvalidRecipient, raw)
	}

	if len(canonical) == 10 || len(canonical) == 11 || !strings.HasPrefix(canonical, DefaultCountryCode) {
		canonical = DefaultCountryCode + canonical
	}
	if canonical != raw {
		slog.Debug("NormalizePhone canonicalized recipient", "original", raw, "canonical", canonical)
	}
	return canonical, nil
}
