package checkers

import (
	"github.com/crescentzk/crescent-node/coordinator"
	"github.com/dimiro1/health"
)

// PipelineChecker struct for the L1 forging pipeline checker
type PipelineChecker struct {
	pipeline *coordinator.Pipeline
}

// NewPipelineChecker init pipeline checker
func NewPipelineChecker(p *coordinator.Pipeline) PipelineChecker {
	return PipelineChecker{
		pipeline: p,
	}
}

// Check pipeline health.  The pipeline goes down for good when an L1
// transaction lands with a failure receipt, which needs operator action.
func (c PipelineChecker) Check() health.Health {
	h := health.NewHealth()

	if err := c.pipeline.FatalErr(); err != nil {
		h.Down().AddInfo("error", err.Error())
		return h
	}

	h.Up().
		AddInfo("lastCommitted", c.pipeline.LastCommitted()).
		AddInfo("lastExecuted", c.pipeline.LastExecuted())

	return h
}
