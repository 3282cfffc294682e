package membership

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/ferrors"
)

// AdmissionRole is the role a join token grants the admitted node.
type AdmissionRole string

const (
	AdmissionRolePeer     AdmissionRole = "peer"
	AdmissionRoleRelay    AdmissionRole = "relay"
	AdmissionRoleDatastore AdmissionRole = "datastore"
)

// JoinToken authorizes a new node to be admitted into the CRDT gossip
// fan-out list until it expires.
type JoinToken struct {
	Token     string
	Role      AdmissionRole
	CreatedAt time.Time
	ExpiresAt time.Time
}

// AdmissionController issues and validates join tokens for nodes
// joining the gossip fan-out list.
type AdmissionController struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// NewAdmissionController constructs an empty token store.
func NewAdmissionController() *AdmissionController {
	return &AdmissionController{tokens: make(map[string]*JoinToken)}
}

// IssueToken generates a new join token valid for ttl.
func (a *AdmissionController) IssueToken(role AdmissionRole, ttl time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, "generate join token", err)
	}
	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	a.mu.Lock()
	a.tokens[jt.Token] = jt
	a.mu.Unlock()
	return jt, nil
}

// Admit validates token, returning the role it grants. An expired or
// unknown token is rejected.
func (a *AdmissionController) Admit(token string) (AdmissionRole, error) {
	a.mu.RLock()
	jt, ok := a.tokens[token]
	a.mu.RUnlock()
	if !ok {
		return "", ferrors.New(ferrors.KindUnauthorized, "invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return "", ferrors.New(ferrors.KindUnauthorized, "join token expired")
	}
	return jt.Role, nil
}

// Revoke invalidates token immediately.
func (a *AdmissionController) Revoke(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// Sweep removes expired tokens; intended to run on a periodic ticker.
func (a *AdmissionController) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for token, jt := range a.tokens {
		if now.After(jt.ExpiresAt) {
			delete(a.tokens, token)
		}
	}
}

// Tokens returns every currently tracked token, expired or not.
func (a *AdmissionController) Tokens() []*JoinToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*JoinToken, 0, len(a.tokens))
	for _, jt := range a.tokens {
		out = append(out, jt)
	}
	return out
}
