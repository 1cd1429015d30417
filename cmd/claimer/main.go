package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/onemorebsmith/strk-claimer/src/claimer"
	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/ledger"
	"github.com/onemorebsmith/strk-claimer/src/metrics"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded .env")
	}
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	cfg, err := common.LoadConfig(fullPath)
	if err != nil {
		log.Printf("%s", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()

	initLedgers := false
	claimThenTransfer := cfg.TransferAfterClaim()
	flag.IntVar(&cfg.Threads, "threads", cfg.Threads, "number of accounts processed concurrently")
	flag.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "attempts per account")
	flag.StringVar(&cfg.RPCServer, "rpc", cfg.RPCServer, "starknet json-rpc endpoint")
	flag.StringVar(&cfg.CommissionMode, "mode", cfg.CommissionMode, "commission mode, `default` or `server`")
	flag.BoolVar(&cfg.Mock, "mock", cfg.Mock, "use the in-memory chain, captcha and claim service")
	flag.BoolVar(&claimThenTransfer, "claim-then-transfer", claimThenTransfer, "move freshly claimed funds in the same run")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, e.g. `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, "config string for the postgres journal")
	flag.StringVar(&cfg.RedisConfig, "redis", cfg.RedisConfig, "redis address for the commission destination cache")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.BoolVar(&initLedgers, "init-ledgers", false, "create missing ledger files as empty lists")
	flag.Parse()
	cfg.ClaimThenTransfer = &claimThenTransfer
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		log.Printf("%s", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	log.Println("----------------------------------")
	log.Printf("initializing claimer")
	log.Printf("\trun:             %s", runID)
	log.Printf("\tthreads:         %d", cfg.Threads)
	log.Printf("\tretries:         %d", cfg.MaxRetries)
	log.Printf("\trpc:             %s", cfg.RPCServer)
	log.Printf("\tcommission:      %s @ %s", cfg.CommissionMode, cfg.CommissionRate)
	log.Printf("\tconsumption:     %s", cfg.LedgerConsumption)
	log.Printf("\tclaim+transfer:  %t", claimThenTransfer)
	log.Printf("\twallets:         %s", cfg.Files.Wallets)
	log.Printf("\teligibilities:   %s", cfg.Files.Eligibilities)
	log.Printf("\tprom:            %s", cfg.PromPort)
	log.Printf("\thealth check:    %s", cfg.HealthCheckPort)
	log.Printf("\tmock:            %t", cfg.Mock)
	log.Println("----------------------------------")

	logger := common.ConfigureZap(common.ParseLevel(cfg.LogLevel)).With(zap.String("run", runID))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := claimer.New(ctx, cfg, claimer.Options{
		RunID:       runID,
		InitLedgers: initLedgers,
		Operator:    os.Stdin,
	}, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}
	defer r.Close()

	metrics.StartPromServer(cfg.PromPort, logger)
	if cfg.HealthCheckPort != "" {
		go beginReadyzHandler(cfg.HealthCheckPort, r, logger)
	}

	summary, err := r.Run(ctx)
	if err != nil {
		if ledger.IsStorageError(err) {
			logger.Error("ledger storage failed, run aborted", zap.Error(err))
		} else {
			logger.Warn("run interrupted", zap.Error(err))
		}
		r.Close()
		os.Exit(1)
	}
	if n := len(summary.Awaiting); n > 0 {
		logger.Warn(fmt.Sprintf("%d transfers still awaiting operator acknowledgement", n), zap.Strings("addresses", summary.Awaiting))
	}
}

type readyzStatus struct {
	Statuses map[model.AccountStatus]int `json:"statuses"`
	Awaiting []string                    `json:"awaiting_operator"`
}

func beginReadyzHandler(port string, r *claimer.Runner, logger *zap.Logger) {
	http.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if err := r.Ready(req.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(errors.Wrap(err, "not ready").Error()))
			return
		}
		summary := r.Tracker().Summary()
		body, err := jsoniter.Marshal(readyzStatus{Statuses: summary.Counts, Awaiting: summary.Awaiting})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	})
	if err := http.ListenAndServe(port, nil); err != nil {
		logger.Error("health check server stopped", zap.Error(err))
	}
}
