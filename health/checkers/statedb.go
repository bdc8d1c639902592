package checkers

import (
	"github.com/crescentzk/crescent-node/common"
	"github.com/crescentzk/crescent-node/db/statedb"
	"github.com/dimiro1/health"
	"github.com/hermeznetwork/tracerr"
)

// StateDBChecker struct for state db connection checker
type StateDBChecker struct {
	stateDB *statedb.StateDB
}

// NewStateDBChecker init state db connection checker
func NewStateDBChecker(sdb *statedb.StateDB) StateDBChecker {
	return StateDBChecker{
		stateDB: sdb,
	}
}

// Check state db health
func (sdb StateDBChecker) Check() health.Health {
	h := health.NewHealth()

	// probe the underlying storage with a read
	_, err := sdb.stateDB.GetAccount(0)
	if err != nil && tracerr.Unwrap(err) != common.ErrAccountNotFound {
		h.Down().AddInfo("error", err.Error())
		return h
	}

	h.Up().
		AddInfo("blockNum", sdb.stateDB.CurrentBlock()).
		AddInfo("root", sdb.stateDB.Root().String())

	return h
}
