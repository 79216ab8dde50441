// Package runid issues identifiers that tag the log lines of one job invocation.
package runid

import "github.com/google/uuid"

// Provider issues unique run identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers, which sort by
// creation time.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Static always returns the same identifier.
type Static string

// NewID returns the fixed identifier.
func (s Static) NewID() (string, error) {
	return string(s), nil
}
