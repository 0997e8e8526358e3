// Package escalation turns confirmed stops into outbound AI voice
// calls, walking the trip's contact chain until someone answers.
package escalation

import (
	"fmt"
	"strings"

	"github.com/fleetwatch/fleetwatch/core"
)

// NormalizePhone converts the free-form numbers operators capture into
// E.164. Bare 10-digit numbers are assumed Mexican; the legacy 044/045
// mobile prefixes and the old +52 1 mobile marker are stripped.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '+':
			return r
		default:
			return -1
		}
	}, raw)

	if cleaned == "" {
		return "", fmt.Errorf("empty phone number: %w", core.ErrInvalidConfiguration)
	}

	hasPlus := strings.HasPrefix(cleaned, "+")
	digits := strings.ReplaceAll(cleaned, "+", "")

	// 00 international prefix is the same as +.
	if !hasPlus && strings.HasPrefix(digits, "00") {
		hasPlus = true
		digits = digits[2:]
	}

	if hasPlus {
		if strings.HasPrefix(digits, "521") && len(digits) == 13 {
			digits = "52" + digits[3:]
		}
		if len(digits) < 11 || len(digits) > 15 {
			return "", fmt.Errorf("phone %q has %d digits: %w", raw, len(digits), core.ErrInvalidConfiguration)
		}
		return "+" + digits, nil
	}

	for _, prefix := range []string{"044", "045"} {
		if strings.HasPrefix(digits, prefix) && len(digits) == 13 {
			digits = digits[3:]
			break
		}
	}

	switch {
	case len(digits) == 10:
		return "+52" + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "52"):
		return "+" + digits, nil
	case len(digits) == 13 && strings.HasPrefix(digits, "521"):
		return "+52" + digits[3:], nil
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("unrecognized phone %q: %w", raw, core.ErrInvalidConfiguration)
	}
}
