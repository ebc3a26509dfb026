// Package channel implements the two-party encrypted session described in
// component B: a handshake state machine over per-direction symmetric keys
// and a strictly increasing per-channel nonce counter.
package channel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// State is the channel's handshake state (§3 EncryptedChannel, §9 tagged
// variant).
type State int

const (
	StateUninitialized State = iota
	StateKxSent
	StateKxReceived
	StateEstablished
)

// ErrInvalidState is raised by any transition attempted from the wrong
// state (§4.B); it never mutates channel fields.
var ErrInvalidState = errors.New("channel: invalid state for requested operation")

// KxRequest/KxResponse carry the ephemeral X25519 public keys exchanged
// during the handshake.
type KxRequest struct {
	LocalNodeId identity.NodeId
	Public      [32]byte
}

type KxResponse struct {
	LocalNodeId identity.NodeId
	Public      [32]byte
}

// Channel is a per-peer session. Handshake state and keys are guarded by mu;
// sendCounter is advanced with an atomic fetch-and-add so the nonce counter
// stays strictly increasing even under concurrent encrypts
// (§5 ordering guarantee).
type Channel struct {
	mu sync.Mutex

	localNodeId  identity.NodeId
	remoteNodeId identity.NodeId
	hasRemote    bool

	localKX   *identity.KXKeyPair
	remoteKX  [32]byte
	hasRemKX  bool

	txKey []byte
	rxKey []byte

	state         State
	establishedAt time.Time

	sendCounter uint64
}

// New creates a channel bound to the local node's identity, not yet
// handshaked (State = Uninitialized).
func New(local identity.NodeId) (*Channel, error) {
	kx, err := identity.GenerateKX()
	if err != nil {
		return nil, err
	}
	return &Channel{
		localNodeId: local,
		localKX:     kx,
		state:       StateUninitialized,
	}, nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreateKxRequest transitions Uninitialized -> KxSent.
func (c *Channel) CreateKxRequest() (*KxRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return nil, ErrInvalidState
	}
	c.state = StateKxSent
	return &KxRequest{LocalNodeId: c.localNodeId, Public: c.localKX.Public}, nil
}

// ProcessKxRequest transitions Uninitialized -> Established, deriving
// responder-role directional keys and returning the response to send back.
func (c *Channel) ProcessKxRequest(req *KxRequest) (*KxResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return nil, ErrInvalidState
	}

	var localPriv [32]byte
	copy(localPriv[:], c.localKX.PrivateBytes())
	shared, err := identity.ECDH(localPriv, req.Public)
	if err != nil {
		return nil, err
	}
	tx, rx, err := identity.KDFChannelKeys(shared, identity.RoleResponder)
	if err != nil {
		return nil, err
	}

	c.remoteNodeId = req.LocalNodeId
	c.hasRemote = true
	c.remoteKX = req.Public
	c.hasRemKX = true
	c.txKey = tx
	c.rxKey = rx
	c.state = StateEstablished
	c.establishedAt = time.Now()

	return &KxResponse{LocalNodeId: c.localNodeId, Public: c.localKX.Public}, nil
}

// ProcessKxResponse transitions KxSent -> Established, deriving
// initiator-role directional keys.
func (c *Channel) ProcessKxResponse(resp *KxResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateKxSent {
		return ErrInvalidState
	}

	var localPriv [32]byte
	copy(localPriv[:], c.localKX.PrivateBytes())
	shared, err := identity.ECDH(localPriv, resp.Public)
	if err != nil {
		return err
	}
	tx, rx, err := identity.KDFChannelKeys(shared, identity.RoleInitiator)
	if err != nil {
		return err
	}

	c.remoteNodeId = resp.LocalNodeId
	c.hasRemote = true
	c.remoteKX = resp.Public
	c.hasRemKX = true
	c.txKey = tx
	c.rxKey = rx
	c.state = StateEstablished
	c.establishedAt = time.Now()

	return nil
}

// Encrypt seals plaintext under the tx key with a freshly constructed
// nonce, emitting nonce ‖ ciphertext (§3 EncryptedMessage wire form).
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	if c.state != StateEstablished {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	txKey := c.txKey
	local := c.localNodeId
	c.mu.Unlock()

	counter := atomic.AddUint64(&c.sendCounter, 1) - 1
	nonce := identity.BuildNonce(counter, local, time.Now())

	ct, err := identity.AEADEncrypt(txKey, nonce[:], plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, identity.NonceSize+len(ct))
	copy(out, nonce[:])
	copy(out[identity.NonceSize:], ct)
	return out, nil
}

// Decrypt opens a wire-form message (nonce ‖ ciphertext). Freshness is not
// enforced here — the message layer (component H) does that — so any
// syntactically valid 24-byte nonce is accepted.
func (c *Channel) Decrypt(wire []byte) ([]byte, error) {
	c.mu.Lock()
	if c.state != StateEstablished {
		c.mu.Unlock()
		return nil, ErrInvalidState
	}
	rxKey := c.rxKey
	c.mu.Unlock()

	if len(wire) < identity.NonceSize {
		return nil, identity.ErrAuthFailure
	}
	nonce := wire[:identity.NonceSize]
	ciphertext := wire[identity.NonceSize:]

	return identity.AEADDecrypt(rxKey, nonce, ciphertext)
}

// RemoteNodeId returns the peer's NodeId once known.
func (c *Channel) RemoteNodeId() (identity.NodeId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteNodeId, c.hasRemote
}

// EstablishedAt returns the time the handshake completed.
func (c *Channel) EstablishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.establishedAt
}
