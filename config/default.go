package config

// DefaultValues is the default configuration of the node
const DefaultValues = `
[StateDB]
Path = "/var/crescent/statedb"
Keep = 256

[Journal]
Path = "/var/crescent/journal"

[Web3]
URLs = ["http://localhost:8545"]
RPS = 20
RefreshInterval = "30s"

[Watcher]
Confirmations = 5
StartBlock = 0
ScanWindow = 5000
PollInterval = "5s"
PriorityExpiration = "74h"

[Mempool]
MaxQueueSize = 100000
MaxTxAge = "24h"
MaxBatchSize = 8
MaxBatchWithdrawals = 4

[StateKeeper]
FeeAccount = 0
AvailableChunkSizes = [6, 12, 24, 48, 96]
MaxIterations = 10
FastIterations = 2
MaxCommitGas = 4000000
MaxExecuteGas = 4000000
MiniblockInterval = "100ms"
MaxBlockTime = "5m"

[Coordinator]
ConfirmBlocks = 5
MaxTxsInFlight = 4
DeadlineBlocks = 30
GasLimit = 2000000
CheckInterval = "5s"
SyncInterval = "2s"
MaxWithdrawalsPerExecute = 32
ProofServerURL = "http://localhost:3000/api"
ProofPollInterval = "1s"
ProofTimeout = "30m"

[Coordinator.GasAdjuster]
DefaultGwei = 1
WindowSize = 20
ScaleFactor = 1.5
SampleInterval = "15s"

[Debug]
MetricsAddress = "0.0.0.0:12345"

[Log]
Level = "info"
ErrorsPath = ""
`
