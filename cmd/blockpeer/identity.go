package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/crypto"
)

const identityFileName = "identity.key"

// loadOrCreateIdentity reads this peer's ed25519 signing key from
// dataDir, generating and persisting a fresh one on first run — the
// same file-per-identity shape as pkg/security's certificate store, cut
// down to a single raw key pair since cluster records are signed
// directly rather than through an X.509 chain.
func loadOrCreateIdentity(dataDir string) (*crypto.KeyPair, error) {
	path := filepath.Join(dataDir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		priv, decodeErr := hex.DecodeString(string(data))
		if decodeErr != nil {
			return nil, fmt.Errorf("identity: decode %s: %w", path, decodeErr)
		}
		kp, parseErr := crypto.KeyPairFromPrivate(priv)
		if parseErr != nil {
			return nil, fmt.Errorf("identity: parse %s: %w", path, parseErr)
		}
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: mkdir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.Private)), 0o600); err != nil {
		return nil, fmt.Errorf("identity: write %s: %w", path, err)
	}
	return kp, nil
}
