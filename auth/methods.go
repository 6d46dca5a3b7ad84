package auth

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/smnsjas/go-sshcore/ciphersuite"
	"github.com/smnsjas/go-sshcore/wire"
)

// Method names.
const (
	MethodNone                = "none"
	MethodPassword            = "password"
	MethodPublicKey           = "publickey"
	MethodKeyboardInteractive = "keyboard-interactive"
)

// serviceConnection is the service every userauth request asks for.
const serviceConnection = "ssh-connection"

// Prompt is a single keyboard-interactive prompt. Echo reports whether the
// user's answer may be displayed.
type Prompt struct {
	Text string
	Echo bool
}

// Context carries the per-attempt inputs a client method needs.
type Context struct {
	User      string
	SessionID []byte
}

// Method is one client-side authentication method.
type Method interface {
	Name() string
	// Request builds the initial userauth request for this method.
	Request(c *Context) (*wire.UserauthRequest, error)
	// HandleExtra processes a method-specific message (codes 60/61) and
	// returns an optional reply. A nil reply with nil error means the
	// exchange is complete from the method's side.
	HandleExtra(c *Context, m *wire.UserauthExtra) (wire.Message, error)
}

// Password authenticates with a static password or a prompt callback.
type Password struct {
	// Password is used when Prompt is nil.
	Password string
	// Prompt, when set, is called once per attempt.
	Prompt func() (string, error)
}

// Name returns "password".
func (p *Password) Name() string { return MethodPassword }

// Request builds the password request.
func (p *Password) Request(c *Context) (*wire.UserauthRequest, error) {
	pw := p.Password
	if p.Prompt != nil {
		var err error
		if pw, err = p.Prompt(); err != nil {
			return nil, fmt.Errorf("auth: password prompt: %w", err)
		}
	}
	return &wire.UserauthRequest{
		User:    c.User,
		Service: serviceConnection,
		Method:  MethodPassword,
		Payload: wire.NewWriter().Bool(false).String(pw).Out(),
	}, nil
}

// HandleExtra rejects method-specific messages; the password method has
// none (password change requests are not supported).
func (p *Password) HandleExtra(*Context, *wire.UserauthExtra) (wire.Message, error) {
	return nil, errors.New("auth: unexpected method-specific message for password")
}

// PublicKey authenticates with a host key signer: an unsigned probe first,
// then a signed request once the server acknowledges the key.
type PublicKey struct {
	Signer ciphersuite.Signer
}

// Name returns "publickey".
func (p *PublicKey) Name() string { return MethodPublicKey }

// Request builds the unsigned probe.
func (p *PublicKey) Request(c *Context) (*wire.UserauthRequest, error) {
	pub := p.Signer.PublicKey()
	return &wire.UserauthRequest{
		User:    c.User,
		Service: serviceConnection,
		Method:  MethodPublicKey,
		Payload: wire.NewWriter().Bool(false).
			String(pub.Algorithm()).Bytes(pub.Marshal()).Out(),
	}, nil
}

// HandleExtra answers SSH_MSG_USERAUTH_PK_OK with the signed request.
func (p *PublicKey) HandleExtra(c *Context, m *wire.UserauthExtra) (wire.Message, error) {
	if m.Code != wire.MsgUserauthPubKeyOK {
		return nil, fmt.Errorf("auth: unexpected code %d for publickey", m.Code)
	}
	r := wire.NewReader(m.Payload)
	algo, err := r.String()
	if err != nil {
		return nil, fmt.Errorf("auth: PK_OK: %w", err)
	}
	pub := p.Signer.PublicKey()
	if algo != pub.Algorithm() {
		return nil, fmt.Errorf("auth: PK_OK for algorithm %q, offered %q", algo, pub.Algorithm())
	}

	blob := pub.Marshal()
	sig, err := p.Signer.Sign(rand.Reader, SignedData(c.SessionID, c.User, pub.Algorithm(), blob))
	if err != nil {
		return nil, fmt.Errorf("auth: sign: %w", err)
	}
	return &wire.UserauthRequest{
		User:    c.User,
		Service: serviceConnection,
		Method:  MethodPublicKey,
		Payload: wire.NewWriter().Bool(true).
			String(pub.Algorithm()).Bytes(blob).Bytes(sig).Out(),
	}, nil
}

// SignedData is the exact byte sequence a public key signature covers:
// the session identifier bound to the request fields (RFC 4252 Section 7).
func SignedData(sessionID []byte, user, algo string, keyBlob []byte) []byte {
	return wire.NewWriter().
		Bytes(sessionID).
		Byte(wire.MsgUserauthRequest).
		String(user).
		String(serviceConnection).
		String(MethodPublicKey).
		Bool(true).
		String(algo).
		Bytes(keyBlob).
		Out()
}

// KeyboardInteractive authenticates by relaying server prompts to a
// callback, RFC 4256.
type KeyboardInteractive struct {
	// Respond answers one round of prompts. Answers must be returned in
	// prompt order.
	Respond func(name, instruction string, prompts []Prompt) ([]string, error)
}

// Name returns "keyboard-interactive".
func (k *KeyboardInteractive) Name() string { return MethodKeyboardInteractive }

// Request builds the initial request with empty language and submethods.
func (k *KeyboardInteractive) Request(c *Context) (*wire.UserauthRequest, error) {
	return &wire.UserauthRequest{
		User:    c.User,
		Service: serviceConnection,
		Method:  MethodKeyboardInteractive,
		Payload: wire.NewWriter().String("").String("").Out(),
	}, nil
}

// HandleExtra answers an INFO_REQUEST round with an INFO_RESPONSE.
func (k *KeyboardInteractive) HandleExtra(c *Context, m *wire.UserauthExtra) (wire.Message, error) {
	if m.Code != wire.MsgUserauthInfoRequest {
		return nil, fmt.Errorf("auth: unexpected code %d for keyboard-interactive", m.Code)
	}
	name, instruction, prompts, err := parseInfoRequest(m.Payload)
	if err != nil {
		return nil, err
	}

	// A zero-prompt round is informational and answered with zero
	// responses.
	var answers []string
	if len(prompts) > 0 {
		if k.Respond == nil {
			return nil, errors.New("auth: keyboard-interactive prompts with no responder")
		}
		if answers, err = k.Respond(name, instruction, prompts); err != nil {
			return nil, fmt.Errorf("auth: keyboard-interactive responder: %w", err)
		}
		if len(answers) != len(prompts) {
			return nil, fmt.Errorf("auth: %d answers for %d prompts", len(answers), len(prompts))
		}
	}

	w := wire.NewWriter().Uint32(uint32(len(answers)))
	for _, a := range answers {
		w.String(a)
	}
	return &wire.UserauthExtra{Code: wire.MsgUserauthInfoResponse, Payload: w.Out()}, nil
}

func parseInfoRequest(payload []byte) (name, instruction string, prompts []Prompt, err error) {
	r := wire.NewReader(payload)
	if name, err = r.String(); err != nil {
		return "", "", nil, fmt.Errorf("auth: INFO_REQUEST: %w", err)
	}
	if instruction, err = r.String(); err != nil {
		return "", "", nil, fmt.Errorf("auth: INFO_REQUEST: %w", err)
	}
	if _, err = r.String(); err != nil { // language tag
		return "", "", nil, fmt.Errorf("auth: INFO_REQUEST: %w", err)
	}
	n, err := r.Uint32()
	if err != nil {
		return "", "", nil, fmt.Errorf("auth: INFO_REQUEST: %w", err)
	}
	if n > 64 {
		return "", "", nil, fmt.Errorf("auth: INFO_REQUEST with %d prompts", n)
	}
	prompts = make([]Prompt, 0, n)
	for i := uint32(0); i < n; i++ {
		text, err := r.String()
		if err != nil {
			return "", "", nil, fmt.Errorf("auth: INFO_REQUEST prompt %d: %w", i, err)
		}
		echo, err := r.Bool()
		if err != nil {
			return "", "", nil, fmt.Errorf("auth: INFO_REQUEST prompt %d: %w", i, err)
		}
		prompts = append(prompts, Prompt{Text: text, Echo: echo})
	}
	return name, instruction, prompts, nil
}

func buildInfoRequest(name, instruction string, prompts []Prompt) []byte {
	w := wire.NewWriter().String(name).String(instruction).String("").
		Uint32(uint32(len(prompts)))
	for _, p := range prompts {
		w.String(p.Text).Bool(p.Echo)
	}
	return w.Out()
}

func parseInfoResponse(payload []byte) ([]string, error) {
	r := wire.NewReader(payload)
	n, err := r.Uint32()
	if err != nil {
		return nil, fmt.Errorf("auth: INFO_RESPONSE: %w", err)
	}
	if n > 64 {
		return nil, fmt.Errorf("auth: INFO_RESPONSE with %d answers", n)
	}
	answers := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		a, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("auth: INFO_RESPONSE answer %d: %w", i, err)
		}
		answers = append(answers, a)
	}
	return answers, nil
}
