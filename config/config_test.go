package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gardenledger/garden/identity"
	"github.com/gardenledger/garden/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadGardenConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "node.yml", `
config:
  self_node:
    privkey_path: "node.key"
    chain: "my-garden"
  discovery:
    mdns: true
`)

	cfg, err := LoadGardenConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "my-garden", cfg.SelfNode.Chain)
	assert.Equal(t, DefaultListenAddr, cfg.SelfNode.ListenAddr)
	assert.Equal(t, filepath.Join(dir, "node.key"), cfg.SelfNode.PrivKeyPath)
	assert.Equal(t, store.LevelDBStoreType, cfg.Store.Type)
	assert.Equal(t, filepath.Join(dir, "data", "db"), cfg.Store.Directory)
	assert.True(t, cfg.Discovery.MDNS)
	assert.Equal(t, DefaultRendezvous, cfg.Discovery.Rendezvous)
}

func TestLoadGardenConfigResolvesRelativeDirs(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "blocks")
	path := writeFile(t, dir, "node.yml", `
config:
  self_node:
    privkey_path: "keys/node.key"
    data_dir: "state"
  store:
    type: leveldb
    directory: "ldb"
`)

	cfg, err := LoadGardenConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.SelfNode.DataDir)
	assert.Equal(t, filepath.Join(dir, "keys", "node.key"), cfg.SelfNode.PrivKeyPath)
	assert.Equal(t, filepath.Join(dir, "ldb"), cfg.Store.Directory)

	path = writeFile(t, dir, "abs.yml", `
config:
  self_node:
    privkey_path: "node.key"
    data_dir: "state"
  store:
    type: leveldb
    directory: "`+filepath.ToSlash(abs)+`"
`)
	cfg, err = LoadGardenConfig(path)
	require.NoError(t, err)
	assert.Equal(t, abs, cfg.Store.Directory)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.SelfNode.DataDir)
}

func TestLoadGardenConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	badChain := writeFile(t, dir, "a.yml", `
config:
  self_node:
    privkey_path: "node.key"
    chain: "Bad:Name"
`)
	_, err := LoadGardenConfig(badChain)
	assert.Error(t, err)

	unknownField := writeFile(t, dir, "b.yml", `
config:
  self_node:
    privkey_path: "node.key"
    leader_schedule: []
`)
	_, err = LoadGardenConfig(unknownField)
	assert.Error(t, err)

	noKey := writeFile(t, dir, "c.yml", `
config:
  self_node:
    chain: "home"
`)
	_, err = LoadGardenConfig(noKey)
	assert.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	dir := t.TempDir()
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, identity.SaveEd25519PrivKey(filepath.Join(dir, "node.key"), signer.PrivateKey()))

	path := writeFile(t, dir, "node.yml", "config:\n  self_node:\n    privkey_path: node.key\n")
	cfg, err := LoadGardenConfig(path)
	require.NoError(t, err)

	loaded, err := cfg.LoadSigner()
	require.NoError(t, err)
	assert.Equal(t, signer.ID(), loaded.ID())
}

func TestLoadTuningConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.ini", `
[sync]
batch_size = 16
request_timeout_ms = 2500

[consensus]
finality_depth = 0
`)

	tuning, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, tuning.Sync.BatchSize)
	assert.Equal(t, 2500*time.Millisecond, tuning.Sync.RequestTimeout())
	assert.Equal(t, DefaultTuning().Sync.PendingDepth, tuning.Sync.PendingDepth)
	assert.Equal(t, uint64(0), tuning.Consensus.FinalityDepth)
	assert.Equal(t, 200*time.Millisecond, tuning.Ledger.AuthorInterval())

	defaults, err := LoadTuningConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTuning(), defaults)

	bad := writeFile(t, dir, "bad.ini", "[sync]\nbatch_size = 0\n")
	_, err = LoadTuningConfig(bad)
	assert.Error(t, err)
}

func TestShippedExamplesLoad(t *testing.T) {
	_, err := LoadTuningConfig("config.ini")
	require.NoError(t, err)

	cfg, err := LoadGardenConfig("node.yml")
	require.NoError(t, err)
	assert.Equal(t, "my-garden", cfg.SelfNode.Chain)
}
