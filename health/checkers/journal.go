package checkers

import (
	"github.com/crescentzk/crescent-node/journal"
	"github.com/dimiro1/health"
)

// JournalChecker struct for the durable journal checker
type JournalChecker struct {
	jrnl journal.Journal
}

// NewJournalChecker init journal checker
func NewJournalChecker(jrnl journal.Journal) JournalChecker {
	return JournalChecker{
		jrnl: jrnl,
	}
}

// Check journal health
func (c JournalChecker) Check() health.Health {
	h := health.NewHealth()

	lastBlock, err := c.jrnl.LastBlock()
	if err != nil {
		h.Down().AddInfo("error", err.Error())
		return h
	}

	h.Up().AddInfo("lastBlock", lastBlock)

	return h
}
