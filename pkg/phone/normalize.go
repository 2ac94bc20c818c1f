// Package phone normalizes phone-like addresses coming from webhooks and the API.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const clientPrefix = "client:"

// Normalizer formats numbers to E.164 using a default region for national input.
type Normalizer struct {
	region string
}

func NewNormalizer(defaultRegion string) Normalizer {
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))
	if region == "" {
		region = "US"
	}
	return Normalizer{region: region}
}

// E164 returns the E.164 form of input. Anything that does not parse as a
// valid number (client identities, "anonymous", short codes) is returned trimmed.
func (n Normalizer) E164(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || IsClientIdentity(trimmed) {
		return trimmed
	}

	number, err := phonenumbers.Parse(trimmed, n.region)
	if err != nil {
		return trimmed
	}
	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}
	return phonenumbers.Format(number, phonenumbers.E164)
}

// Valid reports whether input parses to a valid dialable number.
func (n Normalizer) Valid(input string) bool {
	number, err := phonenumbers.Parse(strings.TrimSpace(input), n.region)
	if err != nil {
		return false
	}
	return phonenumbers.IsValidNumber(number)
}

// IsClientIdentity reports whether addr is a softphone identity ("client:alice").
func IsClientIdentity(addr string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(addr)), clientPrefix)
}

// ClientIdentity strips the "client:" prefix.
func ClientIdentity(addr string) string {
	addr = strings.TrimSpace(addr)
	if !IsClientIdentity(addr) {
		return ""
	}
	return addr[len(clientPrefix):]
}

// ClientAddress builds the provider address for a softphone identity.
func ClientAddress(identity string) string {
	return clientPrefix + identity
}
