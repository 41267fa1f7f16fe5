package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// MinPhoneDigits is the minimum number of digits a phone answer must contain.
const MinPhoneDigits = 10

var (
	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	nonDigitsRegex = regexp.MustCompile(`\D`)
	// Plain decimals only: no exponents, hex, digit separators, NaN or infinities.
	numberPattern = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)
)

// parseDecimal parses s when it is a plain decimal number.
func parseDecimal(s string) (float64, bool) {
	if !numberPattern.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// ValidationError is returned for answers that do not satisfy the expected response type.
// Message is suitable for sending back to the participant.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return models.ErrValidationFailed
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Validate checks raw against the expected response type and returns the normalized value.
func Validate(rt models.ResponseType, options []models.Option, required bool, raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		if required {
			return "", invalid("Please send a reply.")
		}
		return "", nil
	}

	switch rt {
	case models.ResponseTypeText, "":
		return text, nil

	case models.ResponseTypeNumber:
		normalized := strings.ReplaceAll(text, ",", ".")
		if _, ok := parseDecimal(normalized); !ok {
			return "", invalid("Please reply with a number.")
		}
		return normalized, nil

	case models.ResponseTypeEmail:
		if !emailPattern.MatchString(text) {
			return "", invalid("Please reply with a valid email address.")
		}
		return text, nil

	case models.ResponseTypePhone:
		digits := nonDigitsRegex.ReplaceAllString(text, "")
		if len(digits) < MinPhoneDigits {
			return "", invalid("Please reply with a phone number of at least %d digits.", MinPhoneDigits)
		}
		return digits, nil

	case models.ResponseTypeOptions:
		if opt, ok := matchOption(options, text); ok {
			return opt.Value, nil
		}
		return "", invalid("Please choose one of the options: %s.", optionLabels(options))
	}

	return "", invalid("Unsupported response type %q.", rt)
}

// matchOption matches by machine value, then display label, then 1-based position.
func matchOption(options []models.Option, text string) (models.Option, bool) {
	for _, opt := range options {
		if strings.EqualFold(opt.Value, text) {
			return opt, true
		}
	}
	for _, opt := range options {
		if opt.Label != "" && strings.EqualFold(opt.Label, text) {
			return opt, true
		}
	}
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	return models.Option{}, false
}

func optionLabels(options []models.Option) string {
	labels := make([]string, 0, len(options))
	for _, opt := range options {
		labels = append(labels, optionLabel(opt))
	}
	return strings.Join(labels, ", ")
}

func optionLabel(opt models.Option) string {
	if opt.Label != "" {
		return opt.Label
	}
	return opt.Value
}
