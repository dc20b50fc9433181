// Package creds provides credential resolution for Git operations,
// with guaranteed zeroization of secret material and log redaction.
//
// Credentials live only in process memory. Handles are refcounted;
// when the last reference is released the backing bytes are wiped.
package creds

import (
	"net/url"
	"strings"
	"sync"

	"github.com/gitsmith-dev/gitsmith/internal/config"
	"github.com/gitsmith-dev/gitsmith/internal/errdefs"
)

// AuthType identifies the credential variant.
type AuthType string

// Authentication types, in default resolution priority order.
const (
	AuthToken            AuthType = "token"
	AuthSSHAgent         AuthType = "ssh_agent"
	AuthSSHKey           AuthType = "ssh_key"
	AuthUsernamePassword AuthType = "username_password"
	AuthNone             AuthType = "none"
)

// Secret is a zeroizable byte buffer. Its String form is always
// redacted; callers needing the raw value use Bytes.
type Secret struct {
	b []byte
}

// NewSecret copies s into a zeroizable buffer.
func NewSecret(s string) *Secret {
	if s == "" {
		return nil
	}
	return &Secret{b: []byte(s)}
}

// Bytes exposes the raw secret. The slice must not be retained past
// the handle's lifetime.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Value returns the raw secret as a string.
func (s *Secret) Value() string {
	if s == nil {
		return ""
	}
	return string(s.b)
}

// String implements fmt.Stringer and never reveals the secret.
func (*Secret) String() string {
	return Redacted
}

// Zero wipes the backing bytes.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

// Redacted is the replacement written wherever secret material would
// otherwise appear.
const Redacted = "<REDACTED>"

// Credential is one resolved authentication method.
type Credential struct {
	Type          AuthType
	Token         *Secret
	Username      string
	Password      *Secret
	SSHKeyPath    string
	SSHPassphrase *Secret
	SSHAgentSock  string
}

// String implements fmt.Stringer without exposing secrets.
func (c *Credential) String() string {
	return string(c.Type) + ":" + Redacted
}

// BasicUsername returns the username to present for HTTP basic auth.
// Tokens ride as the password; the configured username is presented
// when set, otherwise the conventional "git".
func (c *Credential) BasicUsername() string {
	if c.Username != "" {
		return c.Username
	}
	if c.Type == AuthToken {
		return "git"
	}
	return ""
}

// BasicPassword returns the password (or token) for HTTP basic auth.
func (c *Credential) BasicPassword() string {
	if c.Type == AuthToken {
		return c.Token.Value()
	}
	return c.Password.Value()
}

func (c *Credential) zero() {
	c.Token.Zero()
	c.Password.Zero()
	c.SSHPassphrase.Zero()
}

// Handle is a scoped, refcounted reference to a credential. Release
// must be called on every exit path; the last release zeroizes.
type Handle struct {
	cred *Credential
	mgr  *Manager
}

// Credential returns the underlying credential, or nil for the
// anonymous handle.
func (h *Handle) Credential() *Credential {
	if h == nil {
		return nil
	}
	return h.cred
}

// Manager resolves credentials for remote operations and tracks the
// secret substrings that must never appear in any output.
type Manager struct {
	mu       sync.Mutex
	sources  config.CredentialConfig
	refs     map[*Credential]int
	redactor *Redactor
}

// NewManager builds a manager over the configured credential sources.
// Every secret present in the sources is registered with the redactor
// immediately, before any log line can mention it.
func NewManager(sources config.CredentialConfig, redactor *Redactor) *Manager {
	m := &Manager{
		sources:  sources,
		refs:     make(map[*Credential]int),
		redactor: redactor,
	}
	redactor.Register(sources.Token)
	redactor.Register(sources.Password)
	redactor.Register(sources.SSHPassphrase)
	return m
}

// Resolve selects the credential for an operation against remoteURL,
// by priority TOKEN > SSH_AGENT > SSH_KEY > USERNAME_PASSWORD,
// constrained by the URL scheme. A nil handle with no error means the
// operation proceeds anonymously.
func (m *Manager) Resolve(_ string, remoteURL string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ssh := isSSHURL(remoteURL)

	var cred *Credential
	switch {
	case !ssh && m.sources.Token != "":
		cred = &Credential{
			Type:     AuthToken,
			Token:    NewSecret(m.sources.Token),
			Username: m.sources.Username,
		}
	case ssh && m.sources.SSHAgentSock != "":
		cred = &Credential{Type: AuthSSHAgent, SSHAgentSock: m.sources.SSHAgentSock}
	case ssh && m.sources.SSHKeyPath != "":
		cred = &Credential{
			Type:          AuthSSHKey,
			SSHKeyPath:    m.sources.SSHKeyPath,
			SSHPassphrase: NewSecret(m.sources.SSHPassphrase),
		}
	case !ssh && m.sources.Username != "" && m.sources.Password != "":
		cred = &Credential{
			Type:     AuthUsernamePassword,
			Username: m.sources.Username,
			Password: NewSecret(m.sources.Password),
		}
	default:
		return nil, nil
	}

	m.refs[cred]++
	return &Handle{cred: cred, mgr: m}, nil
}

// Release drops one reference. At refcount zero the secret bytes are
// wiped and the credential is forgotten. Safe to call on a nil handle
// and idempotent per handle scope.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.cred == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.refs[h.cred]
	if !ok {
		return
	}
	if n <= 1 {
		h.cred.zero()
		delete(m.refs, h.cred)
	} else {
		m.refs[h.cred] = n - 1
	}
	h.cred = nil
}

// Redactor returns the redactor fed by this manager.
func (m *Manager) Redactor() *Redactor {
	return m.redactor
}

func isSSHURL(remoteURL string) bool {
	if strings.HasPrefix(remoteURL, "ssh://") {
		return true
	}
	// scp-like syntax: git@host:path
	if !strings.Contains(remoteURL, "://") && strings.Contains(remoteURL, "@") && strings.Contains(remoteURL, ":") {
		return true
	}
	return false
}

// ValidateRemoteURL rejects URLs with unsupported schemes before any
// network activity.
func ValidateRemoteURL(remoteURL string) error {
	if remoteURL == "" {
		return errdefs.New(errdefs.KindMissingRequiredParam, "remote URL is required")
	}
	if isSSHURL(remoteURL) {
		return nil
	}
	u, err := url.Parse(remoteURL)
	if err != nil {
		return errdefs.Wrap(errdefs.KindInvalidRemoteURL, "malformed remote URL", err).
			WithSuggestion("Use an https://, ssh:// or git@host:path URL")
	}
	switch u.Scheme {
	case "http", "https", "git", "file":
		return nil
	default:
		return errdefs.Newf(errdefs.KindInvalidRemoteURL, "unsupported URL scheme %q", u.Scheme).
			WithSuggestion("Use an https://, ssh:// or git@host:path URL")
	}
}

// SanitizeURL rewrites embedded userinfo so the URL is safe to store
// or log: https://user:pw@host/x becomes https://<REDACTED>@host/x.
func SanitizeURL(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil || u.User == nil {
		return remoteURL
	}
	u.User = url.User(Redacted)
	// url.User escapes < and >; undo that so the marker stays literal.
	return strings.Replace(u.String(), url.User(Redacted).String(), Redacted, 1)
}
