package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peerId: peer-1\ndataDir: /var/lib/blockpeer\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "peer-1", cfg.PeerId)
	assert.Equal(t, "/var/lib/blockpeer", cfg.DataDir)
	assert.Equal(t, 32, cfg.Chain.EntriesPerBlock)
	assert.True(t, cfg.Sync.TailFirstCommit)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")
	yaml := `
peerId: peer-2
chain:
  entriesPerBlock: 64
sync:
  tailFirstCommit: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Chain.EntriesPerBlock)
	assert.False(t, cfg.Sync.TailFirstCommit)
}

func TestLoad_RequiresPeerId(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataDir: /tmp/x\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/peer.yaml")
	assert.Error(t, err)
}

func TestLoad_ParsesSeparateListenersAndPeerTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peer.yaml")
	yaml := `
peerId: peer-1
repoListen: ":8001"
clusterListen: ":8002"
cluster:
  replicationFactor: 2
  peers:
    - peerId: peer-2
      repoAddr: "10.0.0.2:8001"
      clusterAddr: "10.0.0.2:8002"
      publicKey: "ab12"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8001", cfg.RepoListen)
	assert.Equal(t, ":8002", cfg.ClusterListen)
	assert.Equal(t, 2, cfg.Cluster.ReplicationFactor)
	require.Len(t, cfg.Cluster.Peers, 1)
	assert.Equal(t, "peer-2", cfg.Cluster.Peers[0].PeerId)
	assert.Equal(t, "ab12", cfg.Cluster.Peers[0].PublicKeyHex)
}

func TestDefault_HasDistinctRepoAndClusterListeners(t *testing.T) {
	cfg := Default()
	assert.NotEqual(t, cfg.RepoListen, cfg.ClusterListen)
	assert.Equal(t, 3, cfg.Cluster.ReplicationFactor)
}
