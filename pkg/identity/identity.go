// Package identity implements node identities, X25519 key exchange, and the
// symmetric AEAD/hash/nonce primitives every other component is built on.
package identity

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// NodeIDSize is the NODE_ID_SIZE constant (§6.5): a NodeId is a domain
// separated hash of a signing public key, not the raw key itself.
const NodeIDSize = 64

// NonceSize is the width of a channel/onion nonce (§3, §4.A).
const NonceSize = 24

// SymKeySize is the width of a derived symmetric key (§4.A).
const SymKeySize = 32

// NodeId is the 64-byte opaque identifier derived from a signing public key.
type NodeId [NodeIDSize]byte

func (n NodeId) Bytes() []byte { return n[:] }

func (n NodeId) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 2*NodeIDSize)
	for i, b := range n {
		out[2*i] = hexDigits[b>>4]
		out[2*i+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// Identity is a signing keypair plus its derived NodeId. The private half
// never appears in any external interface byte representation (§9).
type Identity struct {
	NodeId     NodeId
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 identity and derives its NodeId.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{
		NodeId:     DeriveNodeId(pub),
		PublicKey:  pub,
		privateKey: priv,
	}, nil
}

// IdentityFromPrivateKey rebuilds an Identity from a stored Ed25519 private key.
func IdentityFromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		NodeId:     DeriveNodeId(pub),
		PublicKey:  pub,
		privateKey: priv,
	}
}

// PrivateKey exposes the signing key to owning code only; callers must not
// forward it across a network boundary.
func (id *Identity) PrivateKey() ed25519.PrivateKey { return id.privateKey }

// DeriveNodeId computes NodeId = domain-separated hash of the public key
// (§3), widened from SHA-256's 32 bytes to the spec's 64-byte NODE_ID_SIZE
// via SHA-512.
func DeriveNodeId(pub ed25519.PublicKey) NodeId {
	h := sha512.New()
	h.Write([]byte("myriadmesh-node-id-v1"))
	h.Write(pub)
	sum := h.Sum(nil)
	var id NodeId
	copy(id[:], sum)
	return id
}

// Sign signs message with the identity's private key.
func Sign(id *Identity, message []byte) []byte {
	return ed25519.Sign(id.privateKey, message)
}

// Verify checks a signature against a raw Ed25519 public key.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// KXKeyPair is an X25519 scalar/point pair (§3 KeyExchangeKeyPair).
type KXKeyPair struct {
	Public  [32]byte
	private [32]byte
}

func (kp *KXKeyPair) PrivateBytes() []byte { return kp.private[:] }

// GenerateKX produces a fresh ephemeral (or channel-root) X25519 keypair.
func GenerateKX() (*KXKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KXKeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ECDH performs X25519 Diffie-Hellman (§4.A dh).
func ECDH(localSecret [32]byte, remotePublic [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(localSecret[:], remotePublic[:])
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// Role distinguishes the two ends of a handshake for key derivation (§4.B).
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// KDFChannelKeys derives directional tx/rx keys from a shared secret such
// that the initiator's tx equals the responder's rx and vice versa (§4.B).
func KDFChannelKeys(sharedSecret []byte, role Role) (txKey, rxKey []byte, err error) {
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, []byte("myriadmesh-channel-v1"))
	derived := make([]byte, 64)
	if _, err := io.ReadFull(hkdfReader, derived); err != nil {
		return nil, nil, err
	}
	a, b := derived[0:32], derived[32:64]
	if role == RoleInitiator {
		return a, b, nil
	}
	return b, a, nil
}

// AEADEncrypt seals plaintext under key/nonce (24-byte nonce per §4.A,
// passed unchanged to chacha20poly1305's XChaCha20 form).
func AEADEncrypt(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// AEADDecrypt opens ciphertext, returning ErrAuthFailure on any tamper.
func AEADDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrAuthFailure
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// ErrAuthFailure is the opaque decrypt/verify failure from §7 — no detail
// about why decryption failed is ever surfaced.
var ErrAuthFailure = errors.New("identity: authentication failure")

// BuildNonce constructs the 24-byte channel nonce: counter-LE ‖ first 8
// bytes of local NodeId ‖ wall-clock-seconds-LE (§4.B).
func BuildNonce(counter uint64, local NodeId, now time.Time) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[0:8], counter)
	copy(nonce[8:16], local[:8])
	binary.LittleEndian.PutUint64(nonce[16:24], uint64(now.Unix()))
	return nonce
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Hash256 computes SHA-256.
func Hash256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// ComputeHMAC computes HMAC-SHA256.
func ComputeHMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyHMAC compares in constant time.
func VerifyHMAC(expected, computed []byte) bool {
	return hmac.Equal(expected, computed)
}
