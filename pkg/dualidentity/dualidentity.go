// Package dualidentity holds a public clearnet identity and a private
// overlay identity side by side, issuing and storing capability tokens
// that bridge them (component D).
package dualidentity

import (
	"errors"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
	"github.com/montana2ab/myriadmesh/node/pkg/token"
)

// ErrNotForUs / ErrTokenExpired mirror §4.D's store_token refusal rules.
var (
	ErrNotForUs     = errors.New("dualidentity: token is not addressed to our clearnet identity")
	ErrTokenExpired = errors.New("dualidentity: token already expired")
)

// DualIdentity separates the node's public clearnet identity from its
// private overlay identity (§3, §4.D).
type DualIdentity struct {
	ClearnetNodeId    identity.NodeId
	clearnetIdentity  *identity.Identity
	overlayNodeId     identity.NodeId
	overlayIdentity   *identity.Identity
	OverlayDestination string

	tokenStorage *token.Storage
}

// New builds a DualIdentity from two freshly generated identities.
func New(overlayDestination string) (*DualIdentity, error) {
	clearnet, err := identity.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	overlay, err := identity.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	return &DualIdentity{
		ClearnetNodeId:     clearnet.NodeId,
		clearnetIdentity:   clearnet,
		overlayNodeId:      overlay.NodeId,
		overlayIdentity:    overlay,
		OverlayDestination: overlayDestination,
		tokenStorage:       token.NewStorage(),
	}, nil
}

// FromIdentities builds a DualIdentity around already-loaded identities,
// e.g. keys restored through the persistence boundary.
func FromIdentities(clearnet, overlay *identity.Identity, overlayDestination string) *DualIdentity {
	return &DualIdentity{
		ClearnetNodeId:     clearnet.NodeId,
		clearnetIdentity:   clearnet,
		overlayNodeId:      overlay.NodeId,
		overlayIdentity:    overlay,
		OverlayDestination: overlayDestination,
		tokenStorage:       token.NewStorage(),
	}
}

// VerifySeparateIdentities asserts the two NodeIds differ (§4.D).
func (d *DualIdentity) VerifySeparateIdentities() bool {
	return d.ClearnetNodeId != d.overlayNodeId
}

// OverlayNodeId exposes the overlay identity's NodeId.
func (d *DualIdentity) OverlayNodeId() identity.NodeId { return d.overlayNodeId }

// OverlayIdentity exposes the private overlay identity to owning code
// (e.g. the onion router signing discovery beacons over the overlay).
func (d *DualIdentity) OverlayIdentity() *identity.Identity { return d.overlayIdentity }

// ClearnetIdentity exposes the private clearnet identity to owning code.
func (d *DualIdentity) ClearnetIdentity() *identity.Identity { return d.clearnetIdentity }

// GrantI2PAccess issues a signed token granting contactNodeId access to the
// overlay destination, using the clearnet identity (§4.D grant_access).
func (d *DualIdentity) GrantI2PAccess(contactNodeId identity.NodeId, validity time.Duration) *token.CapabilityToken {
	tok := token.New(contactNodeId, d.OverlayDestination, d.overlayNodeId, d.ClearnetNodeId, validity)
	tok.Sign(d.clearnetIdentity)
	return tok
}

// StoreCapabilityToken refuses tokens whose for_node is not our clearnet
// NodeId or that are already expired (§4.D store_token).
func (d *DualIdentity) StoreCapabilityToken(tok *token.CapabilityToken) error {
	if tok.ForNode != d.ClearnetNodeId {
		return ErrNotForUs
	}
	if !tok.ExpiresAt.After(time.Now()) {
		return ErrTokenExpired
	}
	d.tokenStorage.Store(tok)
	return nil
}

// Tokens exposes the local token storage for lookups.
func (d *DualIdentity) Tokens() *token.Storage { return d.tokenStorage }

// PublicRecord is the persisted form: public fields only. Private
// identities must be re-injected post-load via SetIdentities (§4.D).
type PublicRecord struct {
	ClearnetNodeId     identity.NodeId `json:"clearnet_node_id"`
	OverlayNodeId      identity.NodeId `json:"overlay_node_id"`
	OverlayDestination string          `json:"overlay_destination"`
}

// Marshal produces the persisted public-only record.
func (d *DualIdentity) Marshal() PublicRecord {
	return PublicRecord{
		ClearnetNodeId:     d.ClearnetNodeId,
		OverlayNodeId:      d.overlayNodeId,
		OverlayDestination: d.OverlayDestination,
	}
}

// SetIdentities re-injects the private identities after loading a
// PublicRecord from the persistence boundary (§6.3); it is the caller's
// responsibility to supply identities whose derived NodeIds match the
// record.
func (d *DualIdentity) SetIdentities(clearnet, overlay *identity.Identity) error {
	if clearnet.NodeId != d.ClearnetNodeId {
		return errors.New("dualidentity: clearnet identity does not match record")
	}
	if overlay.NodeId != d.overlayNodeId {
		return errors.New("dualidentity: overlay identity does not match record")
	}
	d.clearnetIdentity = clearnet
	d.overlayIdentity = overlay
	return nil
}

// FromPublicRecord builds a DualIdentity shell from a persisted record,
// with no private identities and an empty token store; SetIdentities must
// be called before GrantI2PAccess can be used.
func FromPublicRecord(rec PublicRecord) *DualIdentity {
	return &DualIdentity{
		ClearnetNodeId:     rec.ClearnetNodeId,
		overlayNodeId:      rec.OverlayNodeId,
		OverlayDestination: rec.OverlayDestination,
		tokenStorage:       token.NewStorage(),
	}
}
