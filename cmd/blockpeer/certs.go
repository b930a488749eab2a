package main

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/config"
	"github.com/gotchoices/votetorrent-sub002/pkg/security"
)

const caDBFileName = "ca.db"

// ensurePeerCertificate makes sure cfg.TLS.CertDir holds a current node
// certificate and CA certificate for this peer, bootstrapping a cluster CA
// under dataDir on first run and issuing (and persisting) a fresh node cert
// whenever none exists yet or the existing one is due for rotation. The CA's
// root key is encrypted at rest with a key derived from ClusterID, so every
// peer that starts with the same ClusterID can unlock the same CA's stored
// key material.
func ensurePeerCertificate(cfg config.Config) error {
	if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(cfg.ClusterID)); err != nil {
		return fmt.Errorf("cert bootstrap: %w", err)
	}

	store, err := security.NewBoltCAStore(filepath.Join(cfg.DataDir, caDBFileName))
	if err != nil {
		return fmt.Errorf("cert bootstrap: open CA store: %w", err)
	}
	defer store.Close()

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("cert bootstrap: initialize CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return fmt.Errorf("cert bootstrap: save CA: %w", err)
		}
	}

	if cert, loadErr := security.LoadCertFromFile(cfg.TLS.CertDir); loadErr == nil && !security.CertNeedsRotation(cert.Leaf) {
		return nil
	}

	tlsCert, err := ca.IssueNodeCertificate(cfg.PeerId, "peer", nil, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		return fmt.Errorf("cert bootstrap: issue node certificate: %w", err)
	}
	if err := security.SaveCertToFile(tlsCert, cfg.TLS.CertDir); err != nil {
		return fmt.Errorf("cert bootstrap: save node certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), cfg.TLS.CertDir); err != nil {
		return fmt.Errorf("cert bootstrap: save CA certificate: %w", err)
	}
	return nil
}
