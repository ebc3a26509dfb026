package blobstore

import (
	"crypto/ed25519"
	"fmt"
)

// LoadOrCreateIdentityKey reads the private key at key from storage,
// generating and persisting a fresh one if absent (§6.3). This is the
// only place the core touches the persistence boundary for identity
// material; the private key itself never crosses any other interface.
func LoadOrCreateIdentityKey(s Storage, key string) (ed25519.PrivateKey, error) {
	data, err := s.Retrieve(key)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("blobstore: stored key %q has invalid size %d", key, len(data))
		}
		return ed25519.PrivateKey(data), nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	_, priv, genErr := ed25519.GenerateKey(nil)
	if genErr != nil {
		return nil, genErr
	}
	if err := s.Store(key, priv); err != nil {
		return nil, fmt.Errorf("blobstore: persisting new key %q: %w", key, err)
	}
	return priv, nil
}
