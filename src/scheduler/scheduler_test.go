package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.DebugLevel)

func testAccounts(n int) []*model.Account {
	out := make([]*model.Account, n)
	for i := range out {
		addr, _ := model.NormalizeAddress(fmt.Sprintf("0x%x", i+1))
		out[i] = &model.Account{Address: addr}
	}
	return out
}

func TestConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("threads=%d", limit), func(t *testing.T) {
			accounts := testAccounts(40)
			var running, peak int64
			seen := sync.Map{}
			var calls int64

			s := New(limit, logger)
			res, err := s.Run(context.Background(), accounts, func(ctx context.Context, acct *model.Account, _ *Slot) error {
				now := atomic.AddInt64(&running, 1)
				defer atomic.AddInt64(&running, -1)
				for {
					old := atomic.LoadInt64(&peak)
					if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
						break
					}
				}
				atomic.AddInt64(&calls, 1)
				if _, dupe := seen.LoadOrStore(acct.Address, true); dupe {
					t.Errorf("account %s dispatched twice", acct.Address)
				}
				time.Sleep(2 * time.Millisecond)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, 40, res.Dispatched)
			require.EqualValues(t, 40, calls)
			require.LessOrEqual(t, peak, int64(limit))
			require.LessOrEqual(t, res.MaxActive, int64(limit))
			require.EqualValues(t, 0, s.Active())
		})
	}
}

func TestDispatchOrder(t *testing.T) {
	accounts := testAccounts(10)
	order := []string{}
	lock := sync.Mutex{}
	_, err := New(1, logger).Run(context.Background(), accounts, func(_ context.Context, acct *model.Account, _ *Slot) error {
		lock.Lock()
		order = append(order, acct.Address)
		lock.Unlock()
		return nil
	})
	require.NoError(t, err)
	for i, a := range accounts {
		require.Equal(t, a.Address, order[i])
	}
}

func TestSuspendedTaskFreesSlot(t *testing.T) {
	accounts := testAccounts(3)
	othersDone := make(chan struct{})
	var finished int64

	s := New(1, logger)
	res, err := s.Run(context.Background(), accounts, func(ctx context.Context, acct *model.Account, slot *Slot) error {
		if acct.Address == accounts[0].Address {
			slot.Suspend()
			select {
			case <-othersDone:
			case <-time.After(5 * time.Second):
				return errors.New("suspended task blocked the batch")
			}
			if err := slot.Resume(ctx); err != nil {
				return err
			}
			if active := s.Active(); active != 1 {
				return errors.Errorf("expected 1 active task after resume, got %d", active)
			}
			return nil
		}
		if atomic.AddInt64(&finished, 1) == 2 {
			close(othersDone)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Dispatched)
	require.LessOrEqual(t, res.MaxActive, int64(1))
}

func TestTaskErrorStopsDispatch(t *testing.T) {
	accounts := testAccounts(20)
	var calls int64
	boom := errors.New("ledger unwritable")
	_, err := New(2, logger).Run(context.Background(), accounts, func(ctx context.Context, acct *model.Account, _ *Slot) error {
		n := atomic.AddInt64(&calls, 1)
		if n == 2 {
			time.Sleep(5 * time.Millisecond)
			return boom
		}
		<-ctx.Done()
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Less(t, atomic.LoadInt64(&calls), int64(20))
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New(3, logger).Run(ctx, testAccounts(5), func(context.Context, *model.Account, *Slot) error {
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, res.Dispatched)
}
