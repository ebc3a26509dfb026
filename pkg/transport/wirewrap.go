package transport

import (
	"crypto/ed25519"
	"errors"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// Every frame crossing an adapter boundary is signed so a relay can
// authenticate the immediate sender without terminating the onion layer
// underneath it (§6.1).

const (
	pubKeySize = ed25519.PublicKeySize // 32
	sigSize    = ed25519.SignatureSize // 64
)

var (
	ErrShortPacket  = errors.New("transport: packet too short to contain signed wrapper")
	ErrBadSignature = errors.New("transport: signature verification failed")
)

// WrapUnicast produces public_key(32) || frame || signature(64). The
// signature covers public_key || frame so a captured frame cannot be
// replayed under a different key.
func WrapUnicast(id *identity.Identity, frame []byte) []byte {
	pub := id.PublicKey

	out := make([]byte, 0, pubKeySize+len(frame)+sigSize)
	out = append(out, pub...)
	out = append(out, frame...)
	sig := identity.Sign(id, out)
	out = append(out, sig...)
	return out
}

// UnwrapUnicast verifies and strips the unicast wrapper, returning the
// sender's public key and the inner frame.
func UnwrapUnicast(packet []byte) (pub ed25519.PublicKey, frame []byte, err error) {
	if len(packet) < pubKeySize+sigSize {
		return nil, nil, ErrShortPacket
	}
	pub = ed25519.PublicKey(packet[:pubKeySize])
	frame = packet[pubKeySize : len(packet)-sigSize]
	sig := packet[len(packet)-sigSize:]

	if !ed25519.Verify(pub, packet[:len(packet)-sigSize], sig) {
		return nil, nil, ErrBadSignature
	}
	return pub, frame, nil
}

// WrapDiscoveryBeacon produces node_id(64) || public_key(32) ||
// signature(64), with the signature covering node_id || public_key.
// Listeners must still check node_id == derive_node_id(public_key); the
// signature alone does not prove the claimed id.
func WrapDiscoveryBeacon(id *identity.Identity) []byte {
	pub := id.PublicKey

	out := make([]byte, 0, identity.NodeIDSize+pubKeySize+sigSize)
	out = append(out, id.NodeId.Bytes()...)
	out = append(out, pub...)
	sig := identity.Sign(id, out)
	out = append(out, sig...)
	return out
}

// UnwrapDiscoveryBeacon verifies the signature and that node_id ==
// derive_node_id(public_key), returning both on success.
func UnwrapDiscoveryBeacon(beacon []byte) (nodeId identity.NodeId, pub ed25519.PublicKey, err error) {
	if len(beacon) != identity.NodeIDSize+pubKeySize+sigSize {
		return identity.NodeId{}, nil, ErrShortPacket
	}
	copy(nodeId[:], beacon[:identity.NodeIDSize])
	pub = ed25519.PublicKey(beacon[identity.NodeIDSize : identity.NodeIDSize+pubKeySize])
	sig := beacon[identity.NodeIDSize+pubKeySize:]

	if !ed25519.Verify(pub, beacon[:identity.NodeIDSize+pubKeySize], sig) {
		return identity.NodeId{}, nil, ErrBadSignature
	}
	if identity.DeriveNodeId(pub) != nodeId {
		return identity.NodeId{}, nil, ErrBadSignature
	}
	return nodeId, pub, nil
}
