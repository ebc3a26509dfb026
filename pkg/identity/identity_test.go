package identity

import (
	"bytes"
	"testing"
	"time"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	if id.NodeId != DeriveNodeId(id.PublicKey) {
		t.Errorf("NodeId does not match derive_node_id(public_key)")
	}
}

func TestSignVerify(t *testing.T) {
	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	msg := []byte("hello bob")
	sig := Sign(alice, msg)
	if !Verify(alice.PublicKey, msg, sig) {
		t.Errorf("valid signature rejected")
	}
	if Verify(alice.PublicKey, []byte("tampered"), sig) {
		t.Errorf("signature verified over wrong message")
	}
}

func TestGenerateKX(t *testing.T) {
	kp, err := GenerateKX()
	if err != nil {
		t.Fatalf("GenerateKX failed: %v", err)
	}
	if kp.Public == ([32]byte{}) {
		t.Errorf("public key is all-zero")
	}
}

func TestECDHAgreement(t *testing.T) {
	alice, err := GenerateKX()
	if err != nil {
		t.Fatalf("GenerateKX (alice) failed: %v", err)
	}
	bob, err := GenerateKX()
	if err != nil {
		t.Fatalf("GenerateKX (bob) failed: %v", err)
	}

	var alicePriv, bobPriv [32]byte
	copy(alicePriv[:], alice.PrivateBytes())
	copy(bobPriv[:], bob.PrivateBytes())

	secretA, err := ECDH(alicePriv, bob.Public)
	if err != nil {
		t.Fatalf("alice ECDH failed: %v", err)
	}
	secretB, err := ECDH(bobPriv, alice.Public)
	if err != nil {
		t.Fatalf("bob ECDH failed: %v", err)
	}
	if !bytes.Equal(secretA, secretB) {
		t.Errorf("ECDH shared secrets disagree")
	}
}

func TestKDFChannelKeysSymmetry(t *testing.T) {
	shared := []byte("shared-secret-shared-secret-32!")
	txInit, rxInit, err := KDFChannelKeys(shared, RoleInitiator)
	if err != nil {
		t.Fatalf("KDFChannelKeys (initiator) failed: %v", err)
	}
	txResp, rxResp, err := KDFChannelKeys(shared, RoleResponder)
	if err != nil {
		t.Fatalf("KDFChannelKeys (responder) failed: %v", err)
	}
	if !bytes.Equal(txInit, rxResp) {
		t.Errorf("tx_init != rx_resp")
	}
	if !bytes.Equal(rxInit, txResp) {
		t.Errorf("rx_init != tx_resp")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, SymKeySize)
	nonce := make([]byte, NonceSize)
	plaintext := []byte("the quick brown fox")

	ct, err := AEADEncrypt(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("AEADEncrypt failed: %v", err)
	}
	pt, err := AEADDecrypt(key, nonce, ct)
	if err != nil {
		t.Fatalf("AEADDecrypt failed: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestAEADDecryptWrongKeyFails(t *testing.T) {
	key1 := make([]byte, SymKeySize)
	key2 := make([]byte, SymKeySize)
	key2[0] = 1
	nonce := make([]byte, NonceSize)

	ct, err := AEADEncrypt(key1, nonce, []byte("secret"))
	if err != nil {
		t.Fatalf("AEADEncrypt failed: %v", err)
	}
	if _, err := AEADDecrypt(key2, nonce, ct); err != ErrAuthFailure {
		t.Errorf("expected ErrAuthFailure, got %v", err)
	}
}

func TestBuildNonceUniqueAcrossCounters(t *testing.T) {
	var local NodeId
	local[0] = 0xAB
	now := time.Unix(1700000000, 0)

	n1 := BuildNonce(1, local, now)
	n2 := BuildNonce(2, local, now)
	if n1 == n2 {
		t.Errorf("nonces with different counters collided")
	}
}

func TestHash256(t *testing.T) {
	h := Hash256([]byte("abc"))
	if len(h) != 32 {
		t.Errorf("expected 32-byte hash, got %d", len(h))
	}
}

func TestComputeVerifyHMAC(t *testing.T) {
	key := []byte("key")
	msg := []byte("message")
	mac := ComputeHMAC(key, msg)
	if !VerifyHMAC(mac, ComputeHMAC(key, msg)) {
		t.Errorf("HMAC verification failed on matching input")
	}
}
