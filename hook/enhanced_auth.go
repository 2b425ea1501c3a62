package hook

import (
	"bytes"
	"sync"

	"github.com/nimbusmq/broker/encoding"
)

// AuthResult is the outcome of one step of MQTT 5.0 enhanced
// authentication (CONNECT's AuthMethod/AuthData properties followed by
// zero or more AUTH packets).
type AuthResult struct {
	// Code is Success, ContinueAuthentication, or a failure reason
	// code to return to the client.
	Code encoding.ReasonCode

	// Data carries a challenge when Code is ContinueAuthentication;
	// it is ignored otherwise.
	Data []byte
}

func authSuccess() AuthResult { return AuthResult{Code: encoding.ReasonSuccess} }

func authContinue(data []byte) AuthResult {
	return AuthResult{Code: encoding.ReasonContinueAuthentication, Data: data}
}

func authFailed(code encoding.ReasonCode) AuthResult { return AuthResult{Code: code} }

// AuthMethod implements one named SASL-style mechanism for MQTT 5.0
// enhanced authentication.
type AuthMethod interface {
	// Name is the value clients put in the AuthMethod property, e.g. "PLAIN".
	Name() string

	// Start processes the CONNECT packet's initial AuthData, if any.
	Start(initialData []byte) AuthResult

	// Continue processes the AuthData of a subsequent client AUTH packet.
	Continue(responseData []byte) AuthResult
}

// PlainAuth implements the PLAIN mechanism (RFC 4616): a single-step
// method whose auth data is "\x00" authcid "\x00" passwd, authzid left
// empty.
type PlainAuth struct {
	mu          sync.RWMutex
	credentials map[string]string
}

// NewPlainAuth creates a PLAIN authenticator with the given credentials.
func NewPlainAuth(credentials map[string]string) *PlainAuth {
	creds := make(map[string]string, len(credentials))
	for k, v := range credentials {
		creds[k] = v
	}
	return &PlainAuth{credentials: creds}
}

// SetCredential adds or replaces one username/password pair.
func (p *PlainAuth) SetCredential(username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credentials[username] = password
}

func (p *PlainAuth) Name() string { return "PLAIN" }

func parsePlainData(data []byte) (username, password string, ok bool) {
	if len(data) == 0 || data[0] != 0 {
		return "", "", false
	}
	rest := data[1:]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 {
		return "", "", false
	}
	return string(rest[:sep]), string(rest[sep+1:]), true
}

func (p *PlainAuth) Start(initialData []byte) AuthResult {
	if initialData == nil {
		return authFailed(encoding.ReasonBadAuthenticationMethod)
	}

	username, password, ok := parsePlainData(initialData)
	if !ok {
		return authFailed(encoding.ReasonMalformedPacket)
	}

	p.mu.RLock()
	stored, exists := p.credentials[username]
	p.mu.RUnlock()

	if !exists || stored != password {
		return authFailed(encoding.ReasonBadUsernameOrPassword)
	}
	return authSuccess()
}

func (p *PlainAuth) Continue([]byte) AuthResult {
	// PLAIN completes in a single step; a client sending a further AUTH
	// packet for it has violated the protocol.
	return authFailed(encoding.ReasonProtocolError)
}

// AuthManager dispatches enhanced-authentication steps to registered
// AuthMethods by name.
type AuthManager struct {
	mu      sync.RWMutex
	methods map[string]AuthMethod
}

// NewAuthManager creates an AuthManager with no methods registered.
func NewAuthManager() *AuthManager {
	return &AuthManager{methods: make(map[string]AuthMethod)}
}

// Register adds an authentication method, keyed by its Name().
func (m *AuthManager) Register(method AuthMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method.Name()] = method
}

// Supports reports whether a method name has been registered.
func (m *AuthManager) Supports(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.methods[name]
	return ok
}

// SupportedMethods lists every registered method name.
func (m *AuthManager) SupportedMethods() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	return names
}

// StartAuth begins enhanced authentication for a CONNECT (or re-auth
// AUTH) carrying the given method name and initial data.
func (m *AuthManager) StartAuth(methodName string, initialData []byte) AuthResult {
	m.mu.RLock()
	method, ok := m.methods[methodName]
	m.mu.RUnlock()
	if !ok {
		return authFailed(encoding.ReasonBadAuthenticationMethod)
	}
	return method.Start(initialData)
}

// ContinueAuth processes the next AUTH packet in an ongoing exchange.
func (m *AuthManager) ContinueAuth(methodName string, responseData []byte) AuthResult {
	m.mu.RLock()
	method, ok := m.methods[methodName]
	m.mu.RUnlock()
	if !ok {
		return authFailed(encoding.ReasonBadAuthenticationMethod)
	}
	return method.Continue(responseData)
}

// EnhancedAuthHook adapts an AuthManager to the Hook interface. It
// provides only OnAuthPacket, continuing an exchange with the AUTH
// packet's method and data; it does not handle the CONNECT-time
// AuthMethod/AuthData properties or OnConnectAuthenticate.
type EnhancedAuthHook struct {
	*Base
	manager *AuthManager
}

// NewEnhancedAuthHook wraps an AuthManager as a hook.
func NewEnhancedAuthHook(manager *AuthManager) *EnhancedAuthHook {
	return &EnhancedAuthHook{Base: &Base{id: "enhanced-auth"}, manager: manager}
}

func (h *EnhancedAuthHook) Provides(event Event) bool {
	return event == OnAuthPacket
}

// OnAuthPacket continues an in-progress enhanced-authentication exchange.
func (h *EnhancedAuthHook) OnAuthPacket(client *Client, packet *AuthPacket) bool {
	result := h.manager.ContinueAuth(packet.AuthMethod, packet.AuthData)
	return result.Code == encoding.ReasonSuccess || result.Code == encoding.ReasonContinueAuthentication
}
