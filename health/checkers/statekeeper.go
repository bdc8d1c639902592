package checkers

import (
	"time"

	"github.com/crescentzk/crescent-node/statekeeper"
	"github.com/dimiro1/health"
)

// SealingChecker struct for the block sealing liveness checker
type SealingChecker struct {
	keeper *statekeeper.StateKeeper
	maxAge time.Duration
}

// NewSealingChecker init sealing checker. maxAge is the oldest a sealed
// block may be before the node is considered stalled
func NewSealingChecker(keeper *statekeeper.StateKeeper, maxAge time.Duration) SealingChecker {
	return SealingChecker{
		keeper: keeper,
		maxAge: maxAge,
	}
}

// Check sealing liveness
func (c SealingChecker) Check() health.Health {
	h := health.NewHealth()

	lastSealed := c.keeper.LastSealed()
	if lastSealed == 0 {
		// nothing sealed yet, the node is still bootstrapping
		h.Up().AddInfo("lastSealed", lastSealed)
		return h
	}

	age := time.Since(time.Unix(int64(c.keeper.LastTimestamp()), 0))
	if age > c.maxAge {
		h.Down().AddInfo("lastSealed", lastSealed)
		h.AddInfo("age", age.String())
		return h
	}

	h.Up().AddInfo("lastSealed", lastSealed)
	h.AddInfo("age", age.String())

	return h
}
