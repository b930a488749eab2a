package main

import (
	"path/filepath"
	"testing"

	"github.com/gotchoices/votetorrent-sub002/pkg/blockstore/config"
	"github.com/gotchoices/votetorrent-sub002/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTLSConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		PeerId:    "peer-1",
		DataDir:   dir,
		ClusterID: "cluster-a",
		TLS:       config.TLSConfig{Enabled: true, CertDir: filepath.Join(dir, "certs")},
	}
}

func TestEnsurePeerCertificate_IssuesOnFirstRun(t *testing.T) {
	cfg := testTLSConfig(t)

	require.NoError(t, ensurePeerCertificate(cfg))

	assert.True(t, security.CertExists(cfg.TLS.CertDir))
	cert, err := security.LoadCertFromFile(cfg.TLS.CertDir)
	require.NoError(t, err)
	assert.Equal(t, "peer-peer-1", cert.Leaf.Subject.CommonName)
}

func TestEnsurePeerCertificate_ReusesExistingCertOnRestart(t *testing.T) {
	cfg := testTLSConfig(t)
	require.NoError(t, ensurePeerCertificate(cfg))

	first, err := security.LoadCertFromFile(cfg.TLS.CertDir)
	require.NoError(t, err)

	require.NoError(t, ensurePeerCertificate(cfg))

	second, err := security.LoadCertFromFile(cfg.TLS.CertDir)
	require.NoError(t, err)

	assert.Equal(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}

func TestEnsurePeerCertificate_DifferentClustersGetDifferentCAs(t *testing.T) {
	a := testTLSConfig(t)
	b := testTLSConfig(t)
	b.ClusterID = "cluster-b"

	require.NoError(t, ensurePeerCertificate(a))
	require.NoError(t, ensurePeerCertificate(b))

	caA, err := security.LoadCACertFromFile(a.TLS.CertDir)
	require.NoError(t, err)
	caB, err := security.LoadCACertFromFile(b.TLS.CertDir)
	require.NoError(t, err)

	assert.NotEqual(t, caA.SerialNumber, caB.SerialNumber)
}
