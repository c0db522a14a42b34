package rollup

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// MaxNameLength is the longest metric name or source the API accepts.
const MaxNameLength = 255

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

var identifierRules = []validation.Rule{
	validation.Required,
	validation.Length(1, MaxNameLength),
	validation.Match(identifierPattern),
}

// ValidName reports whether s can be used as a metric name on the wire.
func ValidName(s string) bool {
	return validation.Validate(s, identifierRules...) == nil
}

// ValidSource reports whether s can be used as a metric source on the wire.
func ValidSource(s string) bool {
	return validation.Validate(s, identifierRules...) == nil
}
