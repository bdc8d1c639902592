package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[SmartContracts]
Rollup = "0x6F4e99522F4eB37e0B73D0C0373147893EF12fD5"

[Coordinator]
ForgerAddress = "0x05c23b938a85ab26A36E6314a0D02080E9ca6BeD"

[Coordinator.Keystore]
Path = "/tmp/keystore"
Password = "secret"

[StateKeeper]
AvailableChunkSizes = [6, 12, 24]
MaxIterations = 4
FastIterations = 1
MaxCommitGas = 1000000
MaxExecuteGas = 1000000
MiniblockInterval = "50ms"
MaxBlockTime = "2m"
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	// overridden values
	assert.Equal(t, []int{6, 12, 24}, cfg.StateKeeper.AvailableChunkSizes)
	assert.Equal(t, 4, cfg.StateKeeper.MaxIterations)
	assert.Equal(t, 50*time.Millisecond, cfg.StateKeeper.MiniblockInterval.Duration)
	// defaults that the file does not touch
	assert.Equal(t, uint64(5), cfg.Watcher.Confirmations)
	assert.Equal(t, 32, cfg.Coordinator.MaxWithdrawalsPerExecute)
	assert.Equal(t, []string{"http://localhost:8545"}, cfg.Web3.URLs)
}

func TestLoadRejectsMissingRequired(t *testing.T) {
	// no contract address, no forger, no keystore
	_, err := Load(writeConfig(t, "[StateDB]\nPath = \"/tmp/s\"\nKeep = 64\n"))
	require.Error(t, err)
}

func TestLoadRejectsUnorderedChunkSizes(t *testing.T) {
	bad := testConfig + "\n"
	cfg, err := Load(writeConfig(t, bad))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	unordered := `
[SmartContracts]
Rollup = "0x6F4e99522F4eB37e0B73D0C0373147893EF12fD5"

[Coordinator]
ForgerAddress = "0x05c23b938a85ab26A36E6314a0D02080E9ca6BeD"

[Coordinator.Keystore]
Path = "/tmp/keystore"
Password = "secret"

[StateKeeper]
AvailableChunkSizes = [6, 12, 12]
MaxIterations = 4
FastIterations = 1
MaxCommitGas = 1000000
MaxExecuteGas = 1000000
MiniblockInterval = "50ms"
MaxBlockTime = "2m"
`
	_, err = Load(writeConfig(t, unordered))
	require.Error(t, err)
}
