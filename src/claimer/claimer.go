package claimer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/strk-claimer/src/accounts"
	"github.com/onemorebsmith/strk-claimer/src/claim"
	"github.com/onemorebsmith/strk-claimer/src/commission"
	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/confirm"
	"github.com/onemorebsmith/strk-claimer/src/ledger"
	"github.com/onemorebsmith/strk-claimer/src/metrics"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/onemorebsmith/strk-claimer/src/postgres"
	"github.com/onemorebsmith/strk-claimer/src/processor"
	"github.com/onemorebsmith/strk-claimer/src/scheduler"
	"github.com/onemorebsmith/strk-claimer/src/starknet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Options struct {
	RunID       string
	InitLedgers bool
	Operator    io.Reader // operator acknowledgements, usually stdin
}

// Runner owns everything one batch run needs. Build it with New, then Run once.
type Runner struct {
	cfg      *common.Config
	store    *ledger.Store
	accounts []*model.Account
	plan     *commission.Plan
	tracker  *processor.Tracker
	proc     *processor.Processor
	sched    *scheduler.Scheduler
	journal  *postgres.Journal
	chain    *starknet.MockChain
	redis    *redis.Client
	logger   *zap.Logger
}

func ledgerPaths(cfg *common.Config) map[model.LedgerKind]string {
	return map[model.LedgerKind]string{
		model.LedgerClaimed:        cfg.Files.Claimed,
		model.LedgerPaidCommission: cfg.Files.PaidCommission,
	}
}

// New loads ledgers and accounts and wires the collaborators. Any error is a
// startup failure.
func New(ctx context.Context, cfg *common.Config, opts Options, logger *zap.Logger) (*Runner, error) {
	r := &Runner{cfg: cfg, logger: logger}

	if opts.InitLedgers {
		for kind, path := range ledgerPaths(cfg) {
			created, err := ledger.Create(path)
			if err != nil {
				return nil, errors.Wrapf(err, "failed creating %s ledger", kind)
			}
			if created {
				logger.Info("created empty ledger", zap.String("kind", string(kind)), zap.String("path", path))
			}
		}
	}
	store, err := ledger.Open(ledgerPaths(cfg), logger)
	if err != nil {
		return nil, err
	}
	store.OnWrite(func(kind model.LedgerKind, err error) {
		metrics.LedgerWrites.WithLabelValues(string(kind), metrics.Result(err)).Inc()
	})
	r.store = store

	r.accounts, err = accounts.Load(accounts.Files{Wallets: cfg.Files.Wallets, Eligibilities: cfg.Files.Eligibilities},
		func(a string) bool { return store.Contains(model.LedgerClaimed, a) }, logger)
	if err != nil {
		return nil, err
	}

	r.plan = commission.Allocate(r.accounts, func(a string) bool {
		return store.Contains(model.LedgerPaidCommission, a)
	}, cfg.CommissionRate)
	logger.Info("commission plan", zap.String("rate", cfg.CommissionRate.String()),
		zap.String("target", r.plan.Target.String()), zap.String("allocated", r.plan.Total().String()))

	weighting, err := commission.ParseWeighting(cfg.LedgerConsumption)
	if err != nil {
		return nil, err
	}
	resolver, err := r.buildResolver(ctx)
	if err != nil {
		return nil, err
	}

	var chain starknet.Factory
	var solver claim.Solver
	var claims claim.Claimer
	if cfg.Mock {
		logger.Warn("using mock chain, captcha and claim service")
		r.chain = starknet.NewMockChain(logger)
		mockClaims := &claim.MockService{OnClaim: func(acct *model.Account) {
			// the claimed allocation lands on the account
			r.chain.SetBalance(acct.Address, acct.Amount)
		}}
		chain, solver, claims = r.chain, claim.MockSolver{}, mockClaims
	} else {
		pool := common.NewClientPool(30 * time.Second)
		daemon := starknet.NewWalletDaemon(cfg.WalletDaemon, &http.Client{Timeout: 2 * time.Minute}, logger)
		chain = starknet.NewClientFactory(cfg.RPCServer, cfg.TokenAddress, pool, starknet.NewLimiter(cfg.RPCRequestsPerS), daemon, logger)
		solver = claim.NewTwoCaptcha(cfg.Captcha.APIKey, cfg.Captcha.PollInterval, logger)
		claims = claim.NewService(cfg.ClaimURL, pool, logger)
	}

	var journal processor.Journal
	if cfg.PostgresConfig != "" {
		j := postgres.NewJournal(cfg.PostgresConfig, opts.RunID)
		if err := j.EnsureSchema(ctx); err != nil {
			logger.Warn("postgres journal disabled", zap.Error(err))
		} else {
			r.journal = j
			journal = j
		}
	}

	var gate confirm.Gate
	if opts.Operator != nil {
		gate = confirm.NewConsole(opts.Operator, logger)
	}

	r.tracker = processor.NewTracker(r.plan.Order)
	r.proc = processor.New(processor.Config{
		MaxRetries:         cfg.MaxRetries,
		TokenAddress:       cfg.TokenAddress,
		CaptchaPageURL:     cfg.Captcha.PageURL,
		CaptchaSiteKey:     cfg.Captcha.SiteKey,
		ClaimThenTransfer:  cfg.TransferAfterClaim(),
		ClaimSettleTimeout: cfg.ClaimSettleTimeout,
		SettlePoll:         cfg.Finality.PollInterval,
		AttemptDelay:       cfg.AttemptDelay,
	}, processor.Deps{
		Chain:    chain,
		Solver:   solver,
		Claims:   claims,
		Resolver: resolver,
		Plan:     r.plan,
		Consumer: commission.NewConsumer(r.plan.Order, weighting, cfg.CommissionRate),
		Ledger:   store,
		Waiter: &confirm.Waiter{
			PollInterval: cfg.Finality.PollInterval,
			SoftTimeout:  cfg.Finality.SoftTimeout,
			Gate:         gate,
			Logger:       logger.Named("finality"),
		},
		Journal: journal,
		Tracker: r.tracker,
	}, logger)
	r.sched = scheduler.New(cfg.Threads, logger)
	return r, nil
}

func (r *Runner) buildResolver(ctx context.Context) (commission.Resolver, error) {
	if r.cfg.CommissionMode == common.CommissionModeDefault {
		fixed, err := commission.NewFixedResolver(r.cfg.CommissionAddress)
		if err != nil {
			return nil, err
		}
		return fixed, nil
	}
	server := commission.NewServerResolver(r.cfg.CommissionServerURL, &http.Client{Timeout: 30 * time.Second}, r.logger)

	var cache commission.DestinationCache = commission.NewMemoryCache(r.cfg.CommissionCacheTTL)
	if r.cfg.RedisConfig != "" {
		rd := redis.NewClient(&redis.Options{
			Addr: r.cfg.RedisConfig,
			DB:   0, // use default DB
		})
		if err := rd.Ping(ctx).Err(); err != nil {
			r.logger.Warn("redis unavailable, caching commission destinations in memory", zap.Error(err))
			rd.Close()
		} else {
			r.redis = rd
			cache = commission.NewRedisCache(rd, r.cfg.CommissionCacheTTL)
		}
	}
	return commission.NewCachedResolver(server, cache, r.logger), nil
}

func (r *Runner) Accounts() []*model.Account { return r.plan.Order }
func (r *Runner) Tracker() *processor.Tracker { return r.tracker }
func (r *Runner) Store() *ledger.Store       { return r.store }

// MockChain is only set in mock mode.
func (r *Runner) MockChain() *starknet.MockChain { return r.chain }

// Run dispatches every account and blocks until all of them finished. The
// error is non-nil when the batch was cut short.
func (r *Runner) Run(ctx context.Context) (processor.Summary, error) {
	res, err := r.sched.Run(ctx, r.plan.Order, func(ctx context.Context, acct *model.Account, slot *scheduler.Slot) error {
		_, err := r.proc.Process(ctx, acct, slot)
		return err
	})
	if skipped := r.tracker.SkipUnfinished(); skipped > 0 {
		r.logger.Warn(fmt.Sprintf("%d accounts were not dispatched", skipped))
	}
	summary := r.tracker.Summary()
	r.logger.Info("run finished",
		zap.Int("dispatched", res.Dispatched),
		zap.Int64("max_active", res.MaxActive),
		zap.Int("done", summary.Counts[model.AccountStatusDone]),
		zap.Int("failed", summary.Counts[model.AccountStatusFailed]),
		zap.Int("skipped", summary.Counts[model.AccountStatusSkipped]),
		zap.Int("interrupted", summary.Counts[model.AccountStatusInterrupted]),
		zap.Strings("awaiting_operator", summary.Awaiting),
		zap.String("commission_transferred", summary.CommissionTransferred.String()),
		zap.String("net_transferred", summary.NetTransferred.String()))
	return summary, err
}

// Ready reports whether the optional backing services are reachable.
func (r *Runner) Ready(ctx context.Context) error {
	if r.journal != nil {
		if err := r.journal.Ping(ctx); err != nil {
			return err
		}
	}
	if r.redis != nil {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "failed pinging redis")
		}
	}
	return nil
}

func (r *Runner) Close() {
	if r.redis != nil {
		r.redis.Close()
	}
}
