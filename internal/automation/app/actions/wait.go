package actions

import (
	"context"
	"time"

	"github.com/loanflow-go/internal/domain/automation"
)

// WaitHandler never sleeps. It reports the delay and the engine parks the
// run as WAITING until it elapses.
type WaitHandler struct{}

func NewWaitHandler() *WaitHandler {
	return &WaitHandler{}
}

func (h *WaitHandler) Validate(cfg map[string]interface{}) error {
	d, err := parseWait(cfg)
	if err != nil {
		return NewConfigError(automation.ActionWait, "%v", err)
	}
	if d <= 0 {
		return NewConfigError(automation.ActionWait, "duration must be positive")
	}
	return nil
}

func (h *WaitHandler) Execute(ctx context.Context, step Step) (Result, error) {
	d, err := parseWait(step.Config)
	if err != nil {
		return Result{}, NewConfigError(automation.ActionWait, "%v", err)
	}
	return Result{
		Output: map[string]interface{}{"waitUntil": step.Now.Add(d).UTC().Format(time.RFC3339)},
		Wait:   d,
	}, nil
}
