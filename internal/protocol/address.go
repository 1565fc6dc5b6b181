// ABOUTME: Agent address type in name@domain form
// ABOUTME: Parsing normalizes to lower case and validates both halves

package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned for strings that are not name@domain.
var ErrInvalidAddress = errors.New("invalid address")

var (
	namePattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
	labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// Address is a normalized "name@domain" agent identity.
type Address string

// ParseAddress validates s and returns its lower-cased form.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	name, domain, ok := strings.Cut(s, "@")
	if !ok {
		return "", fmt.Errorf("%w: %q missing @", ErrInvalidAddress, s)
	}
	if !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: bad name %q", ErrInvalidAddress, name)
	}
	if err := ValidateDomain(domain); err != nil {
		return "", err
	}
	return Address(s), nil
}

// NewAddress joins a name and domain and validates the result.
func NewAddress(name, domain string) (Address, error) {
	return ParseAddress(name + "@" + domain)
}

// ValidateDomain checks that domain is a dot-separated sequence of DNS labels.
func ValidateDomain(domain string) error {
	domain = strings.ToLower(domain)
	if domain == "" || len(domain) > 253 {
		return fmt.Errorf("%w: bad domain %q", ErrInvalidAddress, domain)
	}
	for _, label := range strings.Split(domain, ".") {
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("%w: bad domain label %q", ErrInvalidAddress, label)
		}
	}
	return nil
}

// Name returns the part before the @.
func (a Address) Name() string {
	name, _, _ := strings.Cut(string(a), "@")
	return name
}

// Domain returns the part after the @.
func (a Address) Domain() string {
	_, domain, _ := strings.Cut(string(a), "@")
	return domain
}

func (a Address) String() string { return string(a) }
