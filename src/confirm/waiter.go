package confirm

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/onemorebsmith/strk-claimer/src/retry"
	"github.com/onemorebsmith/strk-claimer/src/starknet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ReceiptSource is the chain read the waiter polls.
type ReceiptSource interface {
	Receipt(ctx context.Context, txHash string) (*starknet.Receipt, error)
}

// Checkpoint is notified around an operator wait so the caller can give up
// its concurrency slot and report itself as suspended.
type Checkpoint interface {
	Suspend()
	Resume(ctx context.Context) error
}

type Prompt struct {
	TxHash  string
	Address string
	Waited  time.Duration
}

// Gate blocks until an operator acknowledges the prompt.
type Gate interface {
	Await(ctx context.Context, p Prompt) error
}

// Waiter polls a transaction until it is final. Poll errors never fail the
// wait; once SoftTimeout passes without a final status the waiter parks on
// the operator gate and then starts a fresh window.
type Waiter struct {
	PollInterval time.Duration
	SoftTimeout  time.Duration
	Gate         Gate
	Clock        clockwork.Clock
	Logger       *zap.Logger
}

func (w *Waiter) clock() clockwork.Clock {
	if w.Clock == nil {
		return clockwork.NewRealClock()
	}
	return w.Clock
}

func (w *Waiter) Wait(ctx context.Context, src ReceiptSource, txHash, address string, cp Checkpoint) (*starknet.Receipt, error) {
	clock := w.clock()
	logger := w.Logger.With(zap.String("tx", txHash), zap.String("address", address))
	started := clock.Now()
	deadline := started.Add(w.SoftTimeout)

	for {
		receipt, err := src.Receipt(ctx, txHash)
		switch {
		case err == nil && receipt.Status.Final():
			return receipt, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, starknet.ErrTxNotFound):
			logger.Debug("transaction not visible yet")
		case err != nil:
			logger.Warn("error while getting transaction receipt", zap.Error(err))
		}

		if !clock.Now().Before(deadline) {
			if err := w.checkpoint(ctx, logger, Prompt{TxHash: txHash, Address: address, Waited: clock.Since(started)}, cp); err != nil {
				return nil, err
			}
			deadline = clock.Now().Add(w.SoftTimeout)
			continue
		}
		if err := retry.Sleep(ctx, clock, w.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (w *Waiter) checkpoint(ctx context.Context, logger *zap.Logger, p Prompt, cp Checkpoint) error {
	if w.Gate == nil {
		return errors.Errorf("no final receipt for %s after %s", p.TxHash, p.Waited)
	}
	logger.Warn("failed to get transaction receipt, waiting for operator", zap.Duration("waited", p.Waited))
	if cp != nil {
		cp.Suspend()
	}
	awaitErr := w.Gate.Await(ctx, p)
	if cp != nil {
		if err := cp.Resume(ctx); err != nil {
			return err
		}
	}
	if awaitErr != nil {
		return awaitErr
	}
	logger.Info("operator acknowledged, resuming receipt polling")
	return nil
}
