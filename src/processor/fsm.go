package processor

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"go.uber.org/zap"
)

const (
	StateStart        = "start"
	StateBalanceCheck = "balance_check"
	StateClaimPath    = "claim_path"
	StateTransferPath = "transfer_path"
	StateDone         = "done"
	StateFailed       = "failed"

	EventCheckBalance = "check_balance"
	EventClaim        = "claim"
	EventTransfer     = "transfer"
	EventComplete     = "complete"
	EventFail         = "fail"
)

var stateStatus = map[string]model.AccountStatus{
	StateBalanceCheck: model.AccountStatusRunning,
	StateClaimPath:    model.AccountStatusClaiming,
	StateTransferPath: model.AccountStatusTransferring,
}

// newAttemptMachine builds the state machine for a single attempt. Every
// attempt starts over from StateStart.
func newAttemptMachine(address string, tracker *Tracker, logger *zap.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateStart,
		fsm.Events{
			{Name: EventCheckBalance, Src: []string{StateStart}, Dst: StateBalanceCheck},
			{Name: EventClaim, Src: []string{StateBalanceCheck}, Dst: StateClaimPath},
			{Name: EventTransfer, Src: []string{StateBalanceCheck, StateClaimPath}, Dst: StateTransferPath},
			{Name: EventComplete, Src: []string{StateBalanceCheck, StateClaimPath, StateTransferPath}, Dst: StateDone},
			{Name: EventFail, Src: []string{StateStart, StateBalanceCheck, StateClaimPath, StateTransferPath}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("state change", zap.String("from", e.Src), zap.String("to", e.Dst))
				if status, ok := stateStatus[e.Dst]; ok {
					tracker.Set(address, status)
				}
			},
		},
	)
}
