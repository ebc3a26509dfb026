// Package token implements signed, expiring capability grants binding a
// recipient to a private overlay destination (component C).
package token

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// CapabilityToken grants for_node the right to reach overlay_destination
// through overlay_node_id, signed by issuer_node_id (§3).
type CapabilityToken struct {
	ForNode           identity.NodeId
	OverlayDestination string
	OverlayNodeId     identity.NodeId
	IssuedAt          time.Time
	ExpiresAt         time.Time
	IssuerNodeId      identity.NodeId
	Signature         []byte
}

// New creates an unsigned token with issued_at=now, expires_at=now+validity
// (§4.C).
func New(forNode identity.NodeId, destination string, overlayNodeId, issuerNodeId identity.NodeId, validity time.Duration) *CapabilityToken {
	now := time.Now()
	return &CapabilityToken{
		ForNode:            forNode,
		OverlayDestination: destination,
		OverlayNodeId:      overlayNodeId,
		IssuedAt:           now,
		ExpiresAt:          now.Add(validity),
		IssuerNodeId:       issuerNodeId,
	}
}

// SigningMessage builds the canonical concatenation covered by the
// signature: for_node ‖ dest_bytes ‖ overlay_nid ‖ issued_at_le ‖
// expires_at_le ‖ issuer_nid (§4.C).
func (t *CapabilityToken) SigningMessage() []byte {
	buf := make([]byte, 0, identity.NodeIDSize+len(t.OverlayDestination)+identity.NodeIDSize+8+8+identity.NodeIDSize)
	buf = append(buf, t.ForNode.Bytes()...)
	buf = append(buf, []byte(t.OverlayDestination)...)
	buf = append(buf, t.OverlayNodeId.Bytes()...)
	buf = appendUint64LE(buf, uint64(t.IssuedAt.Unix()))
	buf = appendUint64LE(buf, uint64(t.ExpiresAt.Unix()))
	buf = append(buf, t.IssuerNodeId.Bytes()...)
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Sign sets the signature over SigningMessage() using identity (expected to
// be the issuer).
func (t *CapabilityToken) Sign(issuer *identity.Identity) {
	t.Signature = identity.Sign(issuer, t.SigningMessage())
}

// Verify checks the signature against a raw issuer public key, without the
// anti-forgery NodeId check (that lives in IsValid).
func (t *CapabilityToken) Verify(issuerPublicKey []byte) bool {
	return identity.Verify(issuerPublicKey, t.SigningMessage(), t.Signature)
}

// ErrTokenForgery / ErrTokenExpired are the capability failure kinds (§7).
var (
	ErrTokenForgery = errors.New("token: issuer key does not derive claimed issuer_node_id")
	ErrTokenExpired = errors.New("token: expired")
)

// IsValid performs the four checks of §4.C in the order that defeats
// forgery: the issuer-NodeId derivation check runs BEFORE anything else,
// so an attacker who signs with their own key but claims a legitimate
// issuer_node_id is rejected before the signature is even examined.
func (t *CapabilityToken) IsValid(recipient identity.NodeId, issuerPublicKey []byte) bool {
	if identity.DeriveNodeId(issuerPublicKey) != t.IssuerNodeId {
		return false
	}
	if t.ForNode != recipient {
		return false
	}
	if !t.ExpiresAt.After(time.Now()) {
		return false
	}
	return t.Verify(issuerPublicKey)
}

// Storage is a local-only mapping issuer NodeId -> tokens. It never leaves
// the process or touches the DHT (§4.C).
type Storage struct {
	mu     sync.RWMutex
	tokens map[identity.NodeId][]*CapabilityToken
}

// NewStorage creates an empty token store.
func NewStorage() *Storage {
	return &Storage{tokens: make(map[identity.NodeId][]*CapabilityToken)}
}

// Store appends a token under its issuer's NodeId.
func (s *Storage) Store(tok *CapabilityToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.IssuerNodeId] = append(s.tokens[tok.IssuerNodeId], tok)
}

// Get returns the first non-expired token stored for issuer, if any.
func (s *Storage) Get(issuer identity.NodeId) (*CapabilityToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	for _, tok := range s.tokens[issuer] {
		if tok.ExpiresAt.After(now) {
			return tok, true
		}
	}
	return nil, false
}

// GetAll returns every token stored for issuer, including expired ones.
func (s *Storage) GetAll(issuer identity.NodeId) []*CapabilityToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CapabilityToken, len(s.tokens[issuer]))
	copy(out, s.tokens[issuer])
	return out
}

// CleanupExpired drops expired entries across all issuers, returning the
// count removed.
func (s *Storage) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for issuer, toks := range s.tokens {
		kept := toks[:0]
		for _, tok := range toks {
			if tok.ExpiresAt.After(now) {
				kept = append(kept, tok)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.tokens, issuer)
		} else {
			s.tokens[issuer] = kept
		}
	}
	return removed
}

// Clear empties the store.
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[identity.NodeId][]*CapabilityToken)
}

// Count returns the total number of stored tokens across all issuers.
func (s *Storage) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, toks := range s.tokens {
		n += len(toks)
	}
	return n
}
