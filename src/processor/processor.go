package processor

import (
	"context"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"github.com/onemorebsmith/strk-claimer/src/claim"
	"github.com/onemorebsmith/strk-claimer/src/commission"
	"github.com/onemorebsmith/strk-claimer/src/confirm"
	"github.com/onemorebsmith/strk-claimer/src/ledger"
	"github.com/onemorebsmith/strk-claimer/src/metrics"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/onemorebsmith/strk-claimer/src/retry"
	"github.com/onemorebsmith/strk-claimer/src/starknet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrTxReverted is a transfer that reached finality without succeeding.
	ErrTxReverted = errors.New("transaction did not succeed")
	// ErrClaimNotSettled is a successful claim whose tokens have not reached
	// the account yet. The next attempt picks the balance up.
	ErrClaimNotSettled = errors.New("claimed balance has not arrived")
)

const explorerTxURL = "https://starkscan.co/tx/"

// Ledger is the part of ledger.Store the processor needs.
type Ledger interface {
	Contains(kind model.LedgerKind, address string) bool
	Record(kind model.LedgerKind, address string) error
	RecordBatch(kind model.LedgerKind, pick func(contains func(string) bool) []string) ([]string, error)
}

// Journal keeps a per-account record of what the run did. Failures are
// logged and otherwise ignored; the ledger files stay authoritative.
type Journal interface {
	PutClaim(ctx context.Context, address string) error
	PutTransfer(ctx context.Context, rec model.TransferRecord) error
	PutCommissionConsumed(ctx context.Context, txHash string, addresses []string) error
}

type Config struct {
	MaxRetries         int
	TokenAddress       string
	CaptchaPageURL     string
	CaptchaSiteKey     string
	ClaimThenTransfer  bool
	ClaimSettleTimeout time.Duration
	SettlePoll         time.Duration
	AttemptDelay       time.Duration
	CaptchaRetry       retry.Policy
	Clock              clockwork.Clock
}

type Deps struct {
	Chain    starknet.Factory
	Solver   claim.Solver
	Claims   claim.Claimer
	Resolver commission.Resolver
	Plan     *commission.Plan
	Consumer *commission.Consumer
	Ledger   Ledger
	Waiter   *confirm.Waiter
	Journal  Journal // optional
	Tracker  *Tracker
}

type Processor struct {
	cfg Config
	Deps
	logger *zap.Logger
}

// Outcome is how one account's dispatch ended.
type Outcome struct {
	Status     model.AccountStatus
	Attempts   int
	Claimed    bool
	TxHash     string
	Commission *big.Int
	Err        error // last attempt error when Status is failed
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Processor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SettlePoll <= 0 {
		cfg.SettlePoll = 5 * time.Second
	}
	if cfg.CaptchaRetry.BaseDelay <= 0 {
		cfg.CaptchaRetry.BaseDelay = time.Second
	}
	if cfg.CaptchaRetry.MaxDelay <= 0 {
		cfg.CaptchaRetry.MaxDelay = 30 * time.Second
	}
	cfg.CaptchaRetry.MaxAttempts = 0
	cfg.CaptchaRetry.Clock = cfg.Clock
	if deps.Tracker == nil {
		deps.Tracker = NewTracker(nil)
	}
	return &Processor{cfg: cfg, Deps: deps, logger: logger.Named("processor")}
}

// Process runs up to MaxRetries attempts for acct. Per-account failures end
// up in the Outcome; the returned error is reserved for conditions that must
// stop the whole batch (ledger storage failures, cancellation).
func (p *Processor) Process(ctx context.Context, acct *model.Account, slot confirm.Checkpoint) (Outcome, error) {
	logger := p.logger.With(zap.String("address", acct.Address), zap.String("key", acct.ShortPrivateKey()))
	contribution := p.Plan.Contribution(acct.Address)
	logger.Info("processing account", zap.String("amount", amountString(acct.Amount)),
		zap.String("commission", contribution.String()))

	client, err := p.Chain.ForAccount(acct)
	if err != nil {
		logger.Error("failed building chain client", zap.Error(err))
		p.Tracker.Set(acct.Address, model.AccountStatusFailed)
		return Outcome{Status: model.AccountStatusFailed, Err: err}, nil
	}
	checkpoint := &trackedCheckpoint{inner: slot, tracker: p.Tracker, address: acct.Address}

	out := Outcome{Commission: new(big.Int)}
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		out.Attempts = attempt
		alogger := logger.With(zap.Int("attempt", attempt))
		machine := newAttemptMachine(acct.Address, p.Tracker, alogger)

		err := p.attempt(ctx, acct, client, machine, checkpoint, &out, alogger)
		metrics.Attempts.WithLabelValues(metrics.Result(err)).Inc()
		if err == nil {
			p.Tracker.Set(acct.Address, model.AccountStatusDone)
			out.Status = model.AccountStatusDone
			out.Err = nil
			return out, nil
		}
		_ = machine.Event(ctx, EventFail)
		out.Err = err

		if ledger.IsStorageError(err) {
			alogger.Error("ledger write failed, stopping", zap.Error(err))
			p.Tracker.Set(acct.Address, model.AccountStatusFailed)
			out.Status = model.AccountStatusFailed
			return out, err
		}
		if ctx.Err() != nil {
			return p.interrupted(logger, acct, out, ctx.Err())
		}
		alogger.Error("exception occured while processing account", zap.Error(err))
		if attempt < p.cfg.MaxRetries {
			if err := retry.Sleep(ctx, p.cfg.Clock, p.cfg.AttemptDelay); err != nil {
				return p.interrupted(logger, acct, out, err)
			}
		}
	}
	logger.Error("giving up on account", zap.Int("attempts", out.Attempts), zap.Error(out.Err))
	p.Tracker.Set(acct.Address, model.AccountStatusFailed)
	out.Status = model.AccountStatusFailed
	return out, nil
}

func (p *Processor) interrupted(logger *zap.Logger, acct *model.Account, out Outcome, err error) (Outcome, error) {
	logger.Warn("run cancelled, leaving account unfinished", zap.Int("attempts", out.Attempts))
	p.Tracker.Set(acct.Address, model.AccountStatusInterrupted)
	out.Status = model.AccountStatusInterrupted
	out.Err = err
	return out, err
}

func (p *Processor) attempt(ctx context.Context, acct *model.Account, client starknet.Client, machine *fsm.FSM,
	cp confirm.Checkpoint, out *Outcome, logger *zap.Logger) error {
	if err := machine.Event(ctx, EventCheckBalance); err != nil {
		return err
	}
	balance, err := client.BalanceOf(ctx, acct.Address)
	if err != nil {
		return errors.Wrap(err, "balance check failed")
	}
	logger.Debug("balance", zap.String("balance", balance.String()))

	if balance.Sign() == 0 {
		if !p.Ledger.Contains(model.LedgerClaimed, acct.Address) {
			if err := machine.Event(ctx, EventClaim); err != nil {
				return err
			}
			if err := p.claimPath(ctx, acct, logger); err != nil {
				return err
			}
			out.Claimed = true
		} else if p.cfg.ClaimThenTransfer {
			logger.Info("already claimed, waiting for the claimed balance")
		} else {
			logger.Info("already claimed, nothing to transfer")
		}
		if !p.cfg.ClaimThenTransfer {
			return machine.Event(ctx, EventComplete)
		}
		balance, err = p.awaitClaimedBalance(ctx, acct, client, logger)
		if err != nil {
			return err
		}
		if balance.Sign() == 0 {
			return errors.Wrapf(ErrClaimNotSettled, "no balance after %s", p.cfg.ClaimSettleTimeout)
		}
	}

	if err := machine.Event(ctx, EventTransfer); err != nil {
		return err
	}
	if err := p.transferPath(ctx, acct, client, balance, cp, out, logger); err != nil {
		return err
	}
	return machine.Event(ctx, EventComplete)
}

func (p *Processor) claimPath(ctx context.Context, acct *model.Account, logger *zap.Logger) error {
	policy := p.cfg.CaptchaRetry
	policy.Classify = func(error) retry.Class {
		// solver side failures, its own timeouts included, never end the attempt
		if ctx.Err() != nil {
			return retry.Fatal
		}
		return retry.Retryable
	}
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Warn("captcha solve failed, retrying", zap.Int("try", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	var token string
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		t, err := p.Solver.Solve(ctx, p.cfg.CaptchaPageURL, p.cfg.CaptchaSiteKey)
		token = t
		return err
	})
	if err != nil {
		return errors.Wrap(err, "captcha")
	}

	err = p.Claims.Claim(ctx, acct, token)
	metrics.Claims.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return errors.Wrap(err, "failed to claim")
	}
	logger.Info("successfully claimed address")
	if err := p.Ledger.Record(model.LedgerClaimed, acct.Address); err != nil {
		return err
	}
	p.journal(logger, "claim", func() error { return p.Journal.PutClaim(ctx, acct.Address) })
	return nil
}

func (p *Processor) awaitClaimedBalance(ctx context.Context, acct *model.Account, client starknet.Client, logger *zap.Logger) (*big.Int, error) {
	deadline := p.cfg.Clock.Now().Add(p.cfg.ClaimSettleTimeout)
	for {
		if err := retry.Sleep(ctx, p.cfg.Clock, p.cfg.SettlePoll); err != nil {
			return nil, err
		}
		balance, err := client.BalanceOf(ctx, acct.Address)
		if err != nil {
			logger.Warn("balance check after claim failed", zap.Error(err))
		} else if balance.Sign() > 0 {
			return balance, nil
		}
		if !p.cfg.Clock.Now().Before(deadline) {
			return new(big.Int), nil
		}
	}
}

func (p *Processor) transferPath(ctx context.Context, acct *model.Account, client starknet.Client, balance *big.Int,
	cp confirm.Checkpoint, out *Outcome, logger *zap.Logger) error {
	contribution := p.Plan.Contribution(acct.Address)
	if contribution.Cmp(balance) > 0 {
		contribution.Set(balance)
	}

	calls := []model.Call{}
	destination := ""
	if contribution.Sign() > 0 {
		dest, err := p.Resolver.Resolve(ctx, acct.Address)
		if err != nil {
			return errors.Wrap(err, "failed resolving commission destination")
		}
		destination = dest
		call, err := starknet.TransferCall(p.cfg.TokenAddress, destination, contribution)
		if err != nil {
			return err
		}
		calls = append(calls, call)
	}
	net := new(big.Int).Sub(balance, contribution)
	if net.Sign() > 0 {
		call, err := starknet.TransferCall(p.cfg.TokenAddress, acct.DepositAddress, net)
		if err != nil {
			return err
		}
		calls = append(calls, call)
	}

	txHash, err := client.Submit(ctx, calls)
	if err != nil {
		return errors.Wrap(err, "failed submitting transfer")
	}
	out.TxHash = txHash
	logger.Info("transaction: "+explorerTxURL+txHash, zap.String("commission", contribution.String()), zap.String("net", net.String()))

	receipt, err := p.Waiter.Wait(ctx, client, txHash, acct.Address, cp)
	if err != nil {
		return err
	}
	metrics.Transfers.WithLabelValues(string(receipt.Status)).Inc()
	if receipt.Status != model.TxSucceeded {
		return errors.Wrapf(ErrTxReverted, "%s %s %s", txHash, receipt.Status, receipt.RevertReason)
	}
	logger.Info("successfully processed account", zap.String("tx", txHash))
	out.Commission.Set(contribution)
	p.Tracker.AddTransferred(contribution, net)
	metrics.AddCommission(contribution)
	p.journal(logger, "transfer", func() error {
		return p.Journal.PutTransfer(ctx, model.TransferRecord{
			Address:               acct.Address,
			TxHash:                txHash,
			Commission:            contribution.String(),
			CommissionDestination: destination,
			Net:                   net.String(),
			DepositAddress:        acct.DepositAddress,
			ConfirmedAt:           p.cfg.Clock.Now(),
		})
	})

	if contribution.Sign() == 0 {
		return nil
	}
	consumed, err := p.Ledger.RecordBatch(model.LedgerPaidCommission, func(contains func(string) bool) []string {
		return p.Consumer.Select(contribution, contains)
	})
	if err != nil {
		return err
	}
	logger.Info("commission budget consumed", zap.Int("addresses", len(consumed)))
	p.journal(logger, "commission", func() error { return p.Journal.PutCommissionConsumed(ctx, txHash, consumed) })
	return nil
}

func (p *Processor) journal(logger *zap.Logger, what string, fn func() error) {
	if p.Journal == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn("failed writing journal", zap.String("entry", what), zap.Error(err))
	}
}

// trackedCheckpoint reports operator waits to the tracker.
type trackedCheckpoint struct {
	inner   confirm.Checkpoint
	tracker *Tracker
	address string
}

func (t *trackedCheckpoint) Suspend() {
	t.tracker.Set(t.address, model.AccountStatusAwaitingOperator)
	if t.inner != nil {
		t.inner.Suspend()
	}
}

func (t *trackedCheckpoint) Resume(ctx context.Context) error {
	if t.inner != nil {
		if err := t.inner.Resume(ctx); err != nil {
			return err
		}
	}
	t.tracker.Set(t.address, model.AccountStatusTransferring)
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
