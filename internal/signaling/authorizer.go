package signaling

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

// Authorizer decides whether a signaling connection may proceed. msg is the
// client's auth message, or nil when none has been received yet.
type Authorizer interface {
	Authorize(r *http.Request, msg *SignalMessage) error
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *SignalMessage) error { return nil }

// AuthAuthorizer enforces AUTH_MODE=none|api_key.
//
// Credential sources, in order: the auth message, request headers, then the
// query string.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{
		mode:     cfg.AuthMode,
		verifier: v,
	}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, msg *SignalMessage) error {
	if a.mode == config.AuthModeNone || a.mode == "" {
		return nil
	}
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}

	var (
		cred string
		err  error
	)
	if msg != nil {
		cred, err = auth.CredentialFromAuthMessage(a.mode, auth.WireAuthMessage{
			Type:   string(msg.Type),
			APIKey: msg.APIKey,
			Token:  msg.Token,
		})
	} else {
		cred, err = auth.CredentialFromRequest(a.mode, r)
	}
	if err != nil {
		return err
	}
	return a.verifier.Verify(strings.TrimSpace(cred))
}

// IsAuthMissing reports whether err means no credential was presented yet, as
// opposed to a wrong one.
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return "missing credentials"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid credentials"
	default:
		return "unauthorized"
	}
}
