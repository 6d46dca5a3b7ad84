// Package pamauth provides a PAM-backed password authenticator for the
// server side of the userauth service.
package pamauth

import (
	"fmt"

	pam "github.com/msteinert/pam/v2"
)

// DefaultService is the PAM service name consulted when none is given.
const DefaultService = "sshd"

// Authenticator checks passwords against the host's PAM stack. It
// implements auth.PasswordAuthenticator.
type Authenticator struct {
	// Service is the PAM service name; empty means DefaultService.
	Service string
}

// AuthPassword runs a PAM conversation answering the hidden password
// prompt with the presented credential.
func (a *Authenticator) AuthPassword(user string, password []byte) error {
	service := a.Service
	if service == "" {
		service = DefaultService
	}

	t, err := pam.StartFunc(service, user, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff:
			return string(password), nil
		case pam.TextInfo:
			return "", nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return fmt.Errorf("pamauth: start %q: %w", service, err)
	}
	defer func() { _ = t.End() }()

	if err := t.Authenticate(0); err != nil {
		return fmt.Errorf("pamauth: %w", err)
	}
	return nil
}
