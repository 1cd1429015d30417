package model

import "time"

type LedgerKind string

const (
	LedgerClaimed        LedgerKind = "claimed"
	LedgerPaidCommission LedgerKind = "paid_commission"
)

var LedgerKinds = []LedgerKind{LedgerClaimed, LedgerPaidCommission}

type AccountStatus string

const ( // terminal statuses are done, failed, skipped and interrupted
	AccountStatusPending          AccountStatus = "pending"
	AccountStatusRunning          AccountStatus = "running"
	AccountStatusClaiming         AccountStatus = "claiming"
	AccountStatusTransferring     AccountStatus = "transferring"
	AccountStatusAwaitingOperator AccountStatus = "awaiting_operator"
	AccountStatusDone             AccountStatus = "done"
	AccountStatusFailed           AccountStatus = "failed"
	AccountStatusSkipped          AccountStatus = "skipped"
	AccountStatusInterrupted      AccountStatus = "interrupted"
)

func (s AccountStatus) Terminal() bool {
	return s == AccountStatusDone || s == AccountStatusFailed || s == AccountStatusSkipped ||
		s == AccountStatusInterrupted
}

// TransferRecord - what a successful transfer-path attempt moved
type TransferRecord struct {
	Address               string
	TxHash                string
	Commission            string // base units, decimal
	CommissionDestination string
	Net                   string // base units, decimal
	DepositAddress        string
	ConfirmedAt           time.Time
}
