package claimer

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/ledger"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.DebugLevel)

func addr(n int) string {
	a, err := model.NormalizeAddress(fmt.Sprintf("0x%x", n))
	if err != nil {
		panic(err)
	}
	return a
}

// writeBatch lays out wallets and eligibilities for accounts 1..len(amounts).
func writeBatch(t *testing.T, amounts ...int64) *common.Config {
	dir := t.TempDir()
	wallets := []string{"Private key,Address,Proxy,Deposit address"}
	elig := []string{}
	for i, amt := range amounts {
		n := i + 1
		wallets = append(wallets, fmt.Sprintf("0x%064x,%s,,%s", n*31, addr(n), addr(0xd00+n)))
		elig = append(elig, fmt.Sprintf("%q: %d", addr(n), amt))
	}
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0644))
		return path
	}

	cfg := &common.Config{
		Threads:        2,
		MaxRetries:     2,
		CommissionMode: common.CommissionModeDefault,
		Mock:           true,
		Finality:       common.FinalityConfig{PollInterval: 5 * time.Millisecond},
		Files: common.FilesConfig{
			Wallets:        write("wallets.csv", strings.Join(wallets, "\n")+"\n"),
			Eligibilities:  write("eligibilities.json", "{"+strings.Join(elig, ",")+"}"),
			Claimed:        filepath.Join(dir, "claimed.json"),
			PaidCommission: filepath.Join(dir, "paid_comission.json"),
		},
	}
	cfg.ApplyDefaults()
	cfg.ClaimSettleTimeout = time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMockRunClaimsAndTransfers(t *testing.T) {
	cfg := writeBatch(t, 10, 100, 50)
	ctx := context.Background()

	r, err := New(ctx, cfg, Options{RunID: "test", InitLedgers: true}, logger)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, "4", r.plan.Target.String())

	summary, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Counts[model.AccountStatusDone])
	require.Equal(t, "4", summary.CommissionTransferred.String())
	require.Equal(t, "156", summary.NetTransferred.String())

	chain := r.MockChain()
	require.Equal(t, "4", chain.Balance(common.DefaultCommissionAddress).String())
	for n, expected := range map[int]int64{1: 10, 2: 96, 3: 50} {
		require.Equal(t, big.NewInt(expected).String(), chain.Balance(addr(0xd00+n)).String(), "deposit of account %d", n)
		require.Equal(t, "0", chain.Balance(addr(n)).String())
	}

	claimed, err := ledger.Load(model.LedgerClaimed, cfg.Files.Claimed)
	require.NoError(t, err)
	sort.Strings(claimed)
	if diff := cmp.Diff([]string{addr(1), addr(2), addr(3)}, claimed); diff != "" {
		t.Fatalf("unexpected claimed ledger: %s", diff)
	}
	paid, err := ledger.Load(model.LedgerPaidCommission, cfg.Files.PaidCommission)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{addr(2)}, paid); diff != "" {
		t.Fatalf("unexpected paid ledger: %s", diff)
	}

	// every address is claimed now, a second run has nothing to load
	again, err := New(ctx, cfg, Options{RunID: "test-2"}, logger)
	require.NoError(t, err)
	require.Empty(t, again.Accounts())
	summary, err = again.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, "0", summary.CommissionTransferred.String())
}

func TestMockRunClaimOnly(t *testing.T) {
	cfg := writeBatch(t, 7, 9)
	claimOnly := false
	cfg.ClaimThenTransfer = &claimOnly
	ctx := context.Background()

	r, err := New(ctx, cfg, Options{RunID: "test", InitLedgers: true}, logger)
	require.NoError(t, err)
	summary, err := r.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Counts[model.AccountStatusDone])
	require.Empty(t, r.MockChain().Transactions())
	require.Equal(t, 2, r.Store().Len(model.LedgerClaimed))
	require.Equal(t, 0, r.Store().Len(model.LedgerPaidCommission))
	require.NoError(t, r.Ready(ctx))
}

func TestMissingLedgersFailStartup(t *testing.T) {
	cfg := writeBatch(t, 1)
	_, err := New(context.Background(), cfg, Options{RunID: "test"}, logger)
	require.Error(t, err)
}

func TestCancelledRunSkipsAccounts(t *testing.T) {
	cfg := writeBatch(t, 1, 2, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := New(context.Background(), cfg, Options{RunID: "test", InitLedgers: true}, logger)
	require.NoError(t, err)
	summary, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, summary.Counts[model.AccountStatusDone])
	require.Equal(t, 3, summary.Counts[model.AccountStatusSkipped]+summary.Counts[model.AccountStatusInterrupted])
}
